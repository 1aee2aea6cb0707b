// Command sipstore archives records as BagIt bags. It runs the REST
// server, and can archive, verify and compare snapshots from the command
// line.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	raven "github.com/getsentry/raven-go"
	"github.com/spf13/cobra"

	"github.com/ndlib/sipstore/archiver"
	"github.com/ndlib/sipstore/catalog"
	"github.com/ndlib/sipstore/config"
	"github.com/ndlib/sipstore/record"
	"github.com/ndlib/sipstore/server"
	"github.com/ndlib/sipstore/sip"
	"github.com/ndlib/sipstore/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "sipstore",
	Short:         "Archive records as BagIt bags",
	Version:       archiver.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// loadConfig reads the config file named by --config, if any, and applies
// the flags given on the command line over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("archive") {
		cfg.Archive, _ = flags.GetString("archive")
	}
	if flags.Changed("records") {
		cfg.Records, _ = flags.GetString("records")
	}
	if flags.Changed("database") {
		cfg.Database, _ = flags.GetString("database")
	}
	if flags.Changed("workers") {
		cfg.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("port") {
		cfg.Port, _ = flags.GetString("port")
	}
	if flags.Changed("mode") {
		cfg.Mode, _ = flags.GetString("mode")
	}
	if cfg.SentryDSN != "" {
		if err := raven.SetDSN(cfg.SentryDSN); err != nil {
			log.Println("sentry:", err.Error())
		}
	}
	return cfg, nil
}

// newArchiver opens the archive store, the catalog and the record source
// named in cfg. The caller must close the catalog.
func newArchiver(cfg *config.Config) (*archiver.Archiver, error) {
	s, err := parselocation(cfg.Archive)
	if err != nil {
		return nil, err
	}
	if cfg.ArchivePrefix != "" {
		s = store.NewWithPrefix(s, cfg.ArchivePrefix)
	}
	c, err := catalog.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := archiver.New(s, c, record.NewDir(cfg.Records))
	a.Workers = cfg.Workers
	a.FilesDir = cfg.FilesDir
	a.MetadataDir = cfg.MetadataDir
	a.RequiredMetadata = cfg.RequiredMetadata
	a.Tags = cfg.Tags
	a.FixityInterval = cfg.FixityInterval
	return a, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sig:
			log.Println("Received signal", s)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sig)
	}()
	return ctx, cancel
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST server and the background archival queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newArchiver(cfg)
		if err != nil {
			return err
		}
		defer a.Catalog.Close()
		mode, err := sip.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		s := &server.RESTServer{
			PortNumber:             cfg.Port,
			PProfPort:              cfg.PProfPort,
			Archiver:               a,
			MaxConcurrentArchivals: cfg.MaxConcurrentArchivals,
			Mode:                   mode,
			AttemptTimeout:         cfg.AttemptTimeout,
			Retry: server.RetryPolicy{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
			},
			SweepSchedule:  cfg.SweepSchedule,
			FixitySchedule: cfg.FixitySchedule,
			FixityRate:     cfg.FixityRate,
		}
		if cfg.Tokens != "" {
			s.Validator, err = server.NewListValidatorFile(cfg.Tokens)
			if err != nil {
				return err
			}
		}
		ctx, cancel := signalContext()
		defer cancel()
		go func() {
			<-ctx.Done()
			s.Stop()
		}()
		return s.Run()
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <pid>",
	Short: "Archive a record now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newArchiver(cfg)
		if err != nil {
			return err
		}
		defer a.Catalog.Close()
		mode, err := sip.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		restart, _ := cmd.Flags().GetBool("restart")
		quiet, _ := cmd.Flags().GetBool("quiet")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		var cow *store.COW
		if dryRun {
			cow, err = rehearse(a, args[0])
			if err != nil {
				return err
			}
		}
		opts := archiver.Options{
			Mode:    mode,
			Restart: restart,
			Timeout: cfg.AttemptTimeout,
		}
		if !quiet {
			opts.Progress = func(p archiver.Progress) {
				fmt.Fprintf(os.Stderr, "%d/%d files %d/%d bytes %s\n",
					p.Files, p.TotalFiles, p.Bytes, p.TotalBytes, p.Name)
			}
		}
		ctx, cancel := signalContext()
		defer cancel()
		s, err := a.Archive(ctx, args[0], opts)
		if sip.IsAlreadyArchived(err) {
			fmt.Println("already archived")
			return nil
		} else if err != nil {
			return err
		}
		fmt.Println(s.ID)
		if cow != nil {
			for _, key := range cow.Written() {
				fmt.Println("would write", key)
			}
		}
		return nil
	},
}

// rehearse changes a so nothing it does is saved: bags are written into
// memory over the real archive, and the catalog is a copy of the package's
// entry in the real one.
func rehearse(a *archiver.Archiver, pid string) (*store.COW, error) {
	c := catalog.NewMemory()
	if err := c.Import(a.Catalog, pid); err != nil {
		return nil, err
	}
	a.Catalog = c
	cow := store.NewCOW(store.NewMemory(), a.Store)
	a.Store = cow
	return cow, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify <snapshot>",
	Short: "Check the fixity of an archived snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newArchiver(cfg)
		if err != nil {
			return err
		}
		defer a.Catalog.Close()
		ctx, cancel := signalContext()
		defer cancel()
		problems, err := a.Verify(ctx, args[0])
		if err != nil {
			return err
		}
		for _, p := range problems {
			fmt.Println(p)
		}
		if len(problems) > 0 {
			return fmt.Errorf("snapshot %s has %d problems", args[0], len(problems))
		}
		fmt.Println("ok")
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <pid>",
	Short: "Show how two snapshots of a package differ",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		c, err := catalog.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer c.Close()
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		text, err := snapshotDiff(c, args[0], from, to, cmd.Flags().Changed("from"))
		if err != nil {
			return err
		}
		fmt.Print(text)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Archive records as their directories change",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := newArchiver(cfg)
		if err != nil {
			return err
		}
		defer a.Catalog.Close()
		mode, err := sip.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		debounce, _ := cmd.Flags().GetDuration("debounce")
		ctx, cancel := signalContext()
		defer cancel()
		changes, err := record.Watch(ctx, cfg.Records, debounce)
		if err != nil {
			return err
		}
		log.Println("Watching", cfg.Records)
		opts := archiver.Options{Mode: mode, Timeout: cfg.AttemptTimeout}
		for pid := range changes {
			s, err := a.Archive(ctx, pid, opts)
			switch {
			case sip.IsAlreadyArchived(err):
				log.Printf("watch: %s unchanged", pid)
			case err != nil:
				log.Printf("watch: %s: %s", pid, err.Error())
			default:
				log.Printf("watch: %s archived as %s", pid, s.ID)
			}
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "configuration file (.toml or .yaml)")
	pf.String("archive", "", "archive location: a directory or s3://bucket/prefix")
	pf.String("records", "", "root directory of the records")
	pf.String("database", "", `catalog: "memory", a QL file, or mysql:<dsn>`)
	pf.Int("workers", 0, "files checksummed at once")
	pf.String("mode", "", "diff mode: history, include-all or carry-removed")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("port", "", "port to listen on")

	rootCmd.AddCommand(archiveCmd)
	archiveCmd.Flags().Bool("restart", false, "abandon an interrupted attempt instead of resuming it")
	archiveCmd.Flags().BoolP("quiet", "q", false, "do not print progress")
	archiveCmd.Flags().Bool("dry-run", false, "write nothing, list what would be written")

	rootCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("server", "http://localhost:14000", "address of the sipstore server")
	statusCmd.Flags().String("token", os.Getenv("SIPSTORE_TOKEN"), "API token")

	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().String("from", "", "older snapshot, default the one before --to")
	diffCmd.Flags().String("to", "", "newer snapshot, default the latest archived")

	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Duration("debounce", record.DefaultDebounce, "quiet time before a changed record is archived")
}
