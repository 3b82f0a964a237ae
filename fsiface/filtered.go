package fsiface

import "context"

// FilteredFS wraps an FS with a chain of Filters applied to every
// payload that passes through Cat, WriteFile and OverwriteFile: the
// repository-data read/write hook point a driver uses to compose
// compression and encryption around a plain transport. Filters compose
// like an onion — the first filter given to NewFilteredFS is outermost,
// so it runs first on write and last on read. Every other FS method is
// forwarded unchanged to the wrapped FS.
type FilteredFS struct {
	FS
	filters []Filter
}

// NewFilteredFS returns fs wrapped with filters, outermost first.
func NewFilteredFS(fs FS, filters ...Filter) *FilteredFS {
	return &FilteredFS{FS: fs, filters: filters}
}

func (f *FilteredFS) applyWrite(data []byte) ([]byte, error) {
	var err error
	for _, filt := range f.filters {
		data, err = filt.FilterWrite(data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (f *FilteredFS) applyRead(data []byte) ([]byte, error) {
	var err error
	for i := len(f.filters) - 1; i >= 0; i-- {
		data, err = f.filters[i].FilterRead(data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (f *FilteredFS) Cat(ctx context.Context, path string) ([]byte, error) {
	data, err := f.FS.Cat(ctx, path)
	if err != nil {
		return nil, err
	}
	return f.applyRead(data)
}

func (f *FilteredFS) WriteFile(ctx context.Context, path string, data []byte) error {
	out, err := f.applyWrite(data)
	if err != nil {
		return err
	}
	return f.FS.WriteFile(ctx, path, out)
}

func (f *FilteredFS) OverwriteFile(ctx context.Context, path string, data []byte) error {
	out, err := f.applyWrite(data)
	if err != nil {
		return err
	}
	return f.FS.OverwriteFile(ctx, path, out)
}
