package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var appversion = "0.3.2"

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:     "nxsdtool",
		Short:   "Partition layout tool for hekate formatted SD cards",
		Version: appversion,
		PersistentPreRun: func(*cobra.Command, []string) {
			logrus.SetLevel(logrus.InfoLevel)
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(devicesCmd(), scanCmd(), planCmd(), migrateCmd(), cleanupCmd(), backupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signalContext cancels on SIGINT/SIGTERM so long copies stop between
// chunks instead of being killed mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List candidate block devices",
		RunE: func(*cobra.Command, []string) error {
			disks, err := listDisks()
			if err != nil {
				return err
			}
			for _, d := range disks {
				tag := ""
				if d.Removable {
					tag = "  removable"
				}
				fmt.Printf("%-16s %10s%s\n", d.Path, humanize.IBytes(uint64(d.Size)), tag)
			}
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan DEVICE",
		Short: "Show the partition layout of a device or image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !hasReadPermission(args[0]) {
				return fmt.Errorf("no permission to read %s, try elevated privileges", args[0])
			}
			dev, err := openDevice(args[0], true)
			if err != nil {
				return err
			}
			defer dev.Close()

			layout, err := scanDevice(dev)
			if err != nil {
				return err
			}
			printLayout(layout)
			return nil
		},
	}
}

func printLayout(l *DeviceLayout) {
	fmt.Printf("total %s (%d sectors), GPT: %v", humanize.IBytes(l.TotalSectors*uint64(l.SectorSize)), l.TotalSectors, l.HasGPT)
	if l.AndroidScheme != AndroidNone {
		fmt.Printf(", Android: %s", l.AndroidScheme)
	}
	if l.EmuMMCDual {
		fmt.Print(", dual emuMMC")
	}
	fmt.Println()
	for _, p := range l.Partitions {
		tables := ""
		if p.InMBR {
			tables += "M"
		}
		if p.InGPT {
			tables += "G"
		}
		fmt.Printf("  %-14s %-8s %-3s start %-12d %10s\n",
			p.Name, p.Role, tables, p.StartSector, humanize.IBytes(p.Sectors*uint64(l.SectorSize)))
	}
}

// parseRoles converts a comma separated role list into a RoleSet.
func parseRoles(s string) (RoleSet, error) {
	set := RoleSet{}
	if s == "" {
		return set, nil
	}
	for _, name := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "fat32", "hos_data":
			set[RoleFAT32] = true
		case "linux", "l4t":
			set[RoleLinux] = true
		case "android":
			set[RoleAndroid] = true
		case "emummc":
			set[RoleEmuMMC] = true
		default:
			return nil, fmt.Errorf("unknown role %q (fat32, linux, android, emummc)", name)
		}
	}
	return set, nil
}

func planCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Preview a migration or cleanup layout without writing",
	}

	var migrateRoles string
	planMigrateCmd := &cobra.Command{
		Use:   "migrate SOURCE TARGET",
		Short: "Preview the layout a migration would write",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			source, err := openDevice(args[0], true)
			if err != nil {
				return err
			}
			defer source.Close()
			target, err := openDevice(args[1], true)
			if err != nil {
				return err
			}
			defer target.Close()

			layout, err := scanDevice(source)
			if err != nil {
				return err
			}
			roles, err := migrationRoles(layout, migrateRoles)
			if err != nil {
				return err
			}
			plan, err := planMigration(layout, roles, target.TotalSectors())
			if err != nil {
				return err
			}
			printLayout(plan.Target)
			return nil
		},
	}
	planMigrateCmd.Flags().StringVar(&migrateRoles, "roles", "", "roles to carry (default: all present)")

	var removeRoles string
	planCleanupCmd := &cobra.Command{
		Use:   "cleanup DEVICE",
		Short: "Preview the layout a cleanup would write",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			dev, err := openDevice(args[0], true)
			if err != nil {
				return err
			}
			defer dev.Close()

			layout, err := scanDevice(dev)
			if err != nil {
				return err
			}
			remove, err := parseRoles(removeRoles)
			if err != nil {
				return err
			}
			plan, err := planCleanup(layout, remove)
			if err != nil {
				return err
			}
			printLayout(plan.Target)
			return nil
		},
	}
	planCleanupCmd.Flags().StringVar(&removeRoles, "remove", "", "roles to remove (linux, android, emummc)")

	cmd.AddCommand(planMigrateCmd, planCleanupCmd)
	return cmd
}

// migrationRoles resolves the role selection: an explicit list, or every
// role present on the source.
func migrationRoles(layout *DeviceLayout, spec string) (RoleSet, error) {
	if spec != "" {
		return parseRoles(spec)
	}
	roles := layout.Roles()
	delete(roles, RoleGPTProtective)
	return roles, nil
}

func migrateCmd() *cobra.Command {
	var (
		rolesSpec string
		mount     string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "migrate SOURCE TARGET",
		Short: "Migrate a card to a larger device, expanding FAT32",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("migrate overwrites %s entirely, pass --force to proceed", args[1])
			}
			ctx, cancel := signalContext()
			defer cancel()

			source, err := openDevice(args[0], true)
			if err != nil {
				return err
			}
			defer source.Close()
			target, err := openDevice(args[1], false)
			if err != nil {
				return err
			}
			defer target.Close()

			layout, err := scanDevice(source)
			if err != nil {
				return err
			}
			roles, err := migrationRoles(layout, rolesSpec)
			if err != nil {
				return err
			}
			plan, err := planMigration(layout, roles, target.TotalSectors())
			if err != nil {
				return err
			}
			printLayout(plan.Target)

			sink := newUiliveSink()
			defer sink.Stop()
			log := logrus.WithField("op", "migrate")
			return executeMigration(ctx, source, target, plan, MigrateOptions{
				ConfigMount: mount,
				Sink:        multiSink{sink, newLogSink(log)},
				Log:         log,
			})
		},
	}
	cmd.Flags().StringVar(&rolesSpec, "roles", "", "roles to carry (default: all present)")
	cmd.Flags().StringVar(&mount, "mount", "", "mounted target FAT32 root for config patching")
	cmd.Flags().BoolVar(&force, "force", false, "confirm writing to the target device")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var (
		removeSpec  string
		backupDir   string
		compression string
		mount       string
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup DEVICE",
		Short: "Remove partitions in place and reclaim the space into FAT32",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("cleanup rewrites %s in place, pass --force to proceed", args[0])
			}
			ctx, cancel := signalContext()
			defer cancel()

			dev, err := openDevice(args[0], false)
			if err != nil {
				return err
			}
			defer dev.Close()

			layout, err := scanDevice(dev)
			if err != nil {
				return err
			}
			remove, err := parseRoles(removeSpec)
			if err != nil {
				return err
			}
			plan, err := planCleanup(layout, remove)
			if err != nil {
				return err
			}
			printLayout(plan.Target)

			sink := newUiliveSink()
			defer sink.Stop()
			log := logrus.WithField("op", "cleanup")
			backup, err := executeCleanup(ctx, dev, plan, CleanupOptions{
				BackupDir:   backupDir,
				Compression: compression,
				ConfigMount: mount,
				Sink:        multiSink{sink, newLogSink(log)},
				Log:         log,
			})
			if backup != nil {
				fmt.Fprintf(os.Stderr, "backup session kept at %s\n", backup.Dir)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&removeSpec, "remove", "", "roles to remove (linux, android, emummc)")
	cmd.Flags().StringVar(&backupDir, "backup-dir", defaultBackupBase(), "base directory for the temporary backup")
	cmd.Flags().StringVar(&compression, "compression", defaultCompression, "backup codec (gzip, zlib, bzip2, snappy, s2, zstd)")
	cmd.Flags().StringVar(&mount, "mount", "", "mounted FAT32 root for config patching after restore")
	cmd.Flags().BoolVar(&force, "force", false, "confirm rewriting the device")
	return cmd
}

func defaultBackupBase() string {
	if cache, err := os.UserCacheDir(); err == nil {
		return cache + "/nxsdtool/backup"
	}
	return os.TempDir() + "/nxsdtool-backup"
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Inspect and restore temporary backup sessions",
	}

	var baseDir string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List backup sessions",
		RunE: func(*cobra.Command, []string) error {
			sessions, err := listBackupSessions(baseDir)
			if err != nil {
				return err
			}
			for _, b := range sessions {
				m := b.Manifest
				fmt.Printf("%s  %s  %s  start %d  %s\n",
					m.SessionID, m.CreatedAt.Format("2006-01-02 15:04"), m.Device,
					m.StartSector, humanize.IBytes(m.Sectors*sectorSize))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&baseDir, "backup-dir", defaultBackupBase(), "base directory to list")

	var force bool
	restoreCmd := &cobra.Command{
		Use:   "restore SESSION_DIR DEVICE",
		Short: "Write a backup session back to its original sector range",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("restore writes to %s, pass --force to proceed", args[1])
			}
			ctx, cancel := signalContext()
			defer cancel()

			backup, err := openBackupSession(args[0])
			if err != nil {
				return err
			}
			dev, err := openDevice(args[1], false)
			if err != nil {
				return err
			}
			defer dev.Close()

			sink := newUiliveSink()
			defer sink.Stop()
			tracker := newStageTracker(sink)
			tracker.Enter(stageCleanupRestore)
			if err := backup.Restore(ctx, dev, backup.Manifest.StartSector, 0, tracker.Transfer(stageCleanupRestore)); err != nil {
				return err
			}
			tracker.Done(stageCleanupComplete)
			return nil
		},
	}
	restoreCmd.Flags().BoolVar(&force, "force", false, "confirm writing to the device")

	cmd.AddCommand(listCmd, restoreCmd)
	return cmd
}
