package main

import (
	"context"
	"fmt"
	"time"

	"github.com/obnamgo/obnam/objcodec"
	"github.com/obnamgo/obnam/repo/generation"
	"github.com/spf13/cobra"
)

func newNagiosCommand(opts *globalOptions) *cobra.Command {
	var warnAge, criticalAge string
	cmd := &cobra.Command{
		Use:   "nagios-last-backup-age",
		Short: "check if the client's most recent generation is recent enough",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNagios(cmd.Context(), opts, warnAge, criticalAge)
		},
	}
	cmd.Flags().StringVar(&warnAge, "warn-age", "26h", "maximum age before status is warning (s/m/h/d suffix)")
	cmd.Flags().StringVar(&criticalAge, "critical-age", "50h", "maximum age before status is critical (s/m/h/d suffix)")
	return cmd
}

// runNagios mirrors show_plugin.py's nagios_last_backup_age: a
// critical-only failure (bad repository, unknown client, no backups)
// exits 2; an old-but-present backup exits 1 (warning) or 2 (critical)
// depending on its age; otherwise it reports OK and exits 0.
func runNagios(ctx context.Context, opts *globalOptions, warnAge, criticalAge string) error {
	_, cl, err := openClientForShow(ctx, opts)
	if err != nil {
		fmt.Printf("CRITICAL: %s\n", err)
		return &exitStatus{code: 2, err: err}
	}

	warn, err := parseHumanAge(warnAge)
	if err != nil {
		return err
	}
	critical, err := parseHumanAge(criticalAge)
	if err != nil {
		return err
	}

	var mostRecent *int64
	for _, number := range cl.GenerationIDs() {
		started, ok, err := cl.GetGenerationKey(number, generation.GenStarted)
		if err != nil || !ok {
			continue
		}
		v, ok := started.(objcodec.Int)
		if !ok {
			continue
		}
		sec := v.Int64()
		if mostRecent == nil || sec > *mostRecent {
			mostRecent = &sec
		}
	}

	if mostRecent == nil {
		fmt.Println("CRITICAL: no backup found.")
		return &exitStatus{code: 2}
	}

	age := time.Now().Unix() - *mostRecent
	when := formatGenTime(objcodec.NewInt(*mostRecent))
	switch {
	case float64(age) > critical.Seconds():
		fmt.Printf("CRITICAL: backup is old. last backup was %s.\n", when)
		return &exitStatus{code: 2}
	case float64(age) > warn.Seconds():
		fmt.Printf("WARNING: backup is old. last backup was %s.\n", when)
		return &exitStatus{code: 1}
	default:
		fmt.Printf("OK: backup is recent. last backup was %s.\n", when)
		return nil
	}
}
