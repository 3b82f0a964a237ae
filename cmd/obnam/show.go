package main

import (
	"context"
	"fmt"
	"sort"
	"syscall"
	"time"

	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/repo"
	"github.com/obnamgo/obnam/repo/client"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newClientsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clients",
		Short: "list clients using the repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := opts.openRepo(cmd.Context())
			if err != nil {
				return err
			}
			names, err := r.ListClients(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newGenerationsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "list backup generations for the client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientNameRequired(opts); err != nil {
				return err
			}
			r, err := opts.openRepo(cmd.Context())
			if err != nil {
				return err
			}
			cl, err := r.Client(cmd.Context(), opts.clientName)
			if err != nil {
				return err
			}
			for _, number := range cl.GenerationIDs() {
				fmt.Println(formatGeneration(cl, number))
			}
			return nil
		},
	}
}

func newGenidsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "genids",
		Short: "list generation ids for the client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := clientNameRequired(opts); err != nil {
				return err
			}
			r, err := opts.openRepo(cmd.Context())
			if err != nil {
				return err
			}
			cl, err := r.Client(cmd.Context(), opts.clientName)
			if err != nil {
				return err
			}
			for _, number := range cl.GenerationIDs() {
				fmt.Println(number)
			}
			return nil
		},
	}
}

func formatGeneration(cl *client.Client, number uint64) string {
	started, _, _ := cl.GetGenerationKey(number, generation.GenStarted)
	ended, _, _ := cl.GetGenerationKey(number, generation.GenEnded)
	isCheckpoint, _, _ := cl.GetGenerationKey(number, generation.GenIsCheckpoint)
	fileCount, _, _ := cl.GetGenerationKey(number, generation.GenFileCount)
	totalData, _, _ := cl.GetGenerationKey(number, generation.GenTotalData)

	checkpointSuffix := ""
	if b, ok := isCheckpoint.(objcodec.Bool); ok && bool(b) {
		checkpointSuffix = " (checkpoint)"
	}

	return fmt.Sprintf("%d\t%s .. %s (%d files, %d bytes)%s",
		number, formatGenTime(started), formatGenTime(ended),
		intOrZero(fileCount), intOrZero(totalData), checkpointSuffix)
}

func formatGenTime(v objcodec.Value) string {
	i, ok := v.(objcodec.Int)
	if !ok {
		return "?"
	}
	return time.Unix(i.Int64(), 0).Local().Format("2006-01-02 15:04:05 -0700")
}

func intOrZero(v objcodec.Value) int64 {
	i, ok := v.(objcodec.Int)
	if !ok {
		return 0
	}
	return i.Int64()
}

func resolveGeneration(cl *client.Client, spec string) (uint64, error) {
	if spec == "" {
		spec = "latest"
	}
	return cl.InterpretGenerationSpec(spec)
}

// openClientForShow opens the repository and the named client for one
// of the read-only show commands, failing the same way show_plugin.py's
// open_repository does when the client is unknown.
func openClientForShow(ctx context.Context, opts *globalOptions) (*repo.Repo, *client.Client, error) {
	if err := clientNameRequired(opts); err != nil {
		return nil, nil, err
	}
	r, err := opts.openRepo(ctx)
	if err != nil {
		return nil, nil, err
	}
	cl, err := r.Client(ctx, opts.clientName)
	if err != nil {
		return nil, nil, err
	}
	return r, cl, nil
}

func newLsCommand(opts *globalOptions) *cobra.Command {
	var genSpec string
	cmd := &cobra.Command{
		Use:   "ls [FILE]...",
		Short: "list contents of a generation",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cl, err := openClientForShow(cmd.Context(), opts)
			if err != nil {
				return err
			}
			number, err := resolveGeneration(cl, genSpec)
			if err != nil {
				return err
			}
			gen, err := cl.OpenGeneration(cmd.Context(), number)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				args = []string{"/"}
			}
			for _, path := range args {
				if err := lsPath(cmd.Context(), gen, path); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&genSpec, "generation", "latest", "generation number, or \"latest\"")
	return cmd
}

func lsPath(ctx context.Context, gen *generation.Generation, path string) error {
	line, isDir, err := lsLine(ctx, gen, path)
	if err != nil {
		return err
	}
	fmt.Println(line)
	if !isDir {
		return nil
	}
	children, err := gen.GetFileChildren(ctx, path)
	if err != nil {
		return err
	}
	sort.Strings(children)
	var subdirs []string
	for _, name := range children {
		child := joinPath(path, name)
		childIsDir, err := isDirEntry(ctx, gen, child)
		if err != nil {
			return err
		}
		if childIsDir {
			subdirs = append(subdirs, child)
			continue
		}
		line, _, err := lsLine(ctx, gen, child)
		if err != nil {
			return err
		}
		fmt.Println(line)
	}
	for _, dir := range subdirs {
		if err := lsPath(ctx, gen, dir); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func isDirEntry(ctx context.Context, gen *generation.Generation, path string) (bool, error) {
	keys, err := gen.GetFileKeys(ctx, path)
	if err != nil {
		return false, err
	}
	mode := intOrZero(keys[generation.FileMode])
	return mode&syscall.S_IFMT == syscall.S_IFDIR, nil
}

// lsLine renders one generation entry the way show_item_ls formats a
// fields() row: mode, nlink, owner, group, size, mtime, name.
func lsLine(ctx context.Context, gen *generation.Generation, path string) (string, bool, error) {
	keys, err := gen.GetFileKeys(ctx, path)
	if err != nil {
		return "", false, err
	}
	mode := intOrZero(keys[generation.FileMode])
	owner := stringOrNumber(keys[generation.FileUsername], intOrZero(keys[generation.FileUID]))
	group := stringOrNumber(keys[generation.FileGroupname], intOrZero(keys[generation.FileGID]))

	line := fmt.Sprintf("%s %5d %-8s %-8s %10d %s %s",
		formatFileMode(mode),
		intOrZero(keys[generation.FileNlink]),
		owner, group,
		intOrZero(keys[generation.FileSize]),
		formatGenTime(keys[generation.FileMTimeSec]),
		path,
	)
	return line, mode&syscall.S_IFMT == syscall.S_IFDIR, nil
}

func stringOrNumber(v objcodec.Value, n int64) string {
	if b, ok := v.(objcodec.Bytes); ok {
		return string(b)
	}
	return fmt.Sprintf("%d", n)
}

// formatFileMode renders a raw POSIX mode_t the way "ls -l" does: a
// one-character type flag followed by three rwx triplets.
func formatFileMode(mode int64) string {
	buf := [10]byte{}
	switch mode & syscall.S_IFMT {
	case syscall.S_IFDIR:
		buf[0] = 'd'
	case syscall.S_IFLNK:
		buf[0] = 'l'
	case syscall.S_IFBLK:
		buf[0] = 'b'
	case syscall.S_IFCHR:
		buf[0] = 'c'
	case syscall.S_IFIFO:
		buf[0] = 'p'
	case syscall.S_IFSOCK:
		buf[0] = 's'
	default:
		buf[0] = '-'
	}
	const rwx = "rwxrwxrwx"
	for i := 0; i < 9; i++ {
		if mode&(1<<uint(8-i)) != 0 {
			buf[i+1] = rwx[i]
		} else {
			buf[i+1] = '-'
		}
	}
	if mode&syscall.S_ISUID != 0 {
		buf[3] = setBit(buf[3])
	}
	if mode&syscall.S_ISGID != 0 {
		buf[6] = setBit(buf[6])
	}
	if mode&syscall.S_ISVTX != 0 {
		buf[9] = setBit(buf[9])
	}
	return string(buf[:])
}

func setBit(execBit byte) byte {
	if execBit == 'x' {
		return 's'
	}
	return 'S'
}

func newDiffCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff [GENERATION1] GENERATION2",
		Short: "show what changed between two generations",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cl, err := openClientForShow(cmd.Context(), opts)
			if err != nil {
				return err
			}
			var spec1, spec2 string
			if len(args) == 1 {
				spec2 = args[0]
			} else {
				spec1, spec2 = args[0], args[1]
			}
			gen2Number, err := resolveGeneration(cl, spec2)
			if err != nil {
				return err
			}
			var gen1Number uint64
			if spec1 != "" {
				gen1Number, err = resolveGeneration(cl, spec1)
				if err != nil {
					return err
				}
			} else {
				ids := cl.GenerationIDs()
				idx := indexOfUint64(ids, gen2Number)
				if idx <= 0 {
					return errors.New("obnam: can't diff the first generation; use \"obnam ls\" instead")
				}
				gen1Number = ids[idx-1]
			}

			gen1, err := cl.OpenGeneration(cmd.Context(), gen1Number)
			if err != nil {
				return err
			}
			gen2, err := cl.OpenGeneration(cmd.Context(), gen2Number)
			if err != nil {
				return err
			}
			return showDiff(cmd.Context(), gen1, gen2, "/")
		},
	}
	return cmd
}

func indexOfUint64(ids []uint64, n uint64) int {
	for i, id := range ids {
		if id == n {
			return i
		}
	}
	return -1
}

// showDiff walks dirname in both generations the way show_diff does:
// additions and removals are reported directly, common files are
// compared by checksum, and common subdirectories are recursed into.
func showDiff(ctx context.Context, gen1, gen2 *generation.Generation, dirname string) error {
	old, err := gen1.GetFileChildren(ctx, dirname)
	if err != nil {
		return err
	}
	remaining := map[string]bool{}
	for _, name := range old {
		remaining[name] = true
	}

	newChildren, err := gen2.GetFileChildren(ctx, dirname)
	if err != nil {
		return err
	}
	sort.Strings(newChildren)

	var subdirs []string
	for _, name := range newChildren {
		full := joinPath(dirname, name)
		if remaining[name] {
			delete(remaining, name)
			changed, isDir, err := diffCommonFile(ctx, gen1, gen2, full)
			if err != nil {
				return err
			}
			if isDir {
				subdirs = append(subdirs, full)
			} else if changed {
				fmt.Printf("* %s\n", full)
			}
		} else {
			fmt.Printf("+ %s\n", full)
		}
	}

	var removed []string
	for name := range remaining {
		removed = append(removed, name)
	}
	sort.Strings(removed)
	for _, name := range removed {
		fmt.Printf("- %s\n", joinPath(dirname, name))
	}

	for _, dir := range subdirs {
		if err := showDiff(ctx, gen1, gen2, dir); err != nil {
			return err
		}
	}
	return nil
}

func diffCommonFile(ctx context.Context, gen1, gen2 *generation.Generation, path string) (changed, isDir bool, err error) {
	isDir1, err := isDirEntry(ctx, gen1, path)
	if err != nil {
		return false, false, err
	}
	isDir2, err := isDirEntry(ctx, gen2, path)
	if err != nil {
		return false, false, err
	}
	if isDir1 != isDir2 {
		return true, isDir2, nil
	}
	if isDir2 {
		return false, true, nil
	}

	keys1, err := gen1.GetFileKeys(ctx, path)
	if err != nil {
		return false, false, err
	}
	keys2, err := gen2.GetFileKeys(ctx, path)
	if err != nil {
		return false, false, err
	}
	return digestOf(keys1) != digestOf(keys2), false, nil
}

func digestOf(keys map[generation.FileKey]objcodec.Value) string {
	for _, key := range []generation.FileKey{
		generation.FileSHA256, generation.FileSHA224, generation.FileSHA384, generation.FileSHA512,
	} {
		if b, ok := keys[key].(objcodec.Bytes); ok {
			return string(b)
		}
	}
	return ""
}
