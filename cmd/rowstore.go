package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/jobala/rowstore/config"
	"github.com/jobala/rowstore/engine"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	rowstoreCmd = &cobra.Command{
		Use:               "rowstore",
		Short:             "A block record row store",
		Long:              "Rowstore keeps table rows in block record data files with a write-ahead log.",
		PersistentPreRunE: rowstorePreRun,
		PersistentPostRun: rowstorePostRun,
		SilenceUsage:      true,
	}

	logFile   = "rowstore.log"
	logLevel  = ""
	logStderr = false
	logWriter io.WriteCloser

	configFile = config.DEFAULT_FILE
	noConfig   = false
	dataDir    = ""

	cfg       = config.Default()
	usedFlags = map[string]struct{}{}
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	fs := rowstoreCmd.PersistentFlags()

	fs.StringVar(&logFile, "log-file", logFile, "`file` to use for logging")
	fs.StringVar(&logLevel, "log-level", logLevel,
		"log level: trace, debug, info, warn, error, fatal, or panic")
	fs.BoolVarP(&logStderr, "log-stderr", "s", logStderr, "log to standard error")

	fs.StringVar(&configFile, "config-file", configFile, "`file` to load config from")
	fs.BoolVar(&noConfig, "no-config", noConfig, "don't load config file")
	fs.StringVarP(&dataDir, "data-dir", "d", dataDir, "`directory` containing tables")
}

func Execute() error {
	return rowstoreCmd.Execute()
}

func rowstorePreRun(cmd *cobra.Command, args []string) error {
	cmd.Flags().Visit(
		func(flg *pflag.Flag) {
			usedFlags[flg.Name] = struct{}{}
		})

	if err := loadConfig(); err != nil {
		return fmt.Errorf("rowstore: %s", err)
	}

	if !logStderr && logFile != "" {
		var err error
		logWriter, err = os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("rowstore: %s", err)
		}
		log.SetOutput(logWriter)
	}

	ll, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("rowstore: %s", err)
	}
	log.SetLevel(ll)

	log.WithFields(log.Fields{
		"pid":     os.Getpid(),
		"command": cmd.Name(),
	}).Info("rowstore starting")
	return nil
}

func rowstorePostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("rowstore done")

	if logWriter != nil {
		logWriter.Close()
	}
}

// loadConfig reads the config file and lets flags given on the command line win. A
// missing default config file is not an error.
func loadConfig() error {
	if configFile != "" && !noConfig {
		c, err := config.Load(configFile)
		if err == nil {
			cfg = c
		} else if _, explicit := usedFlags["config-file"]; explicit || !os.IsNotExist(errors.Cause(err)) {
			return err
		}
	}

	if _, ok := usedFlags["data-dir"]; ok {
		cfg.DataDir = dataDir
	}
	if _, ok := usedFlags["log-level"]; ok {
		cfg.LogLevel = logLevel
	}
	return cfg.Validate()
}

func openEngine() (*engine.Engine, error) {
	return engine.Open(cfg)
}

// withEngine opens the engine for the length of fn.
func withEngine(fn func(e *engine.Engine) error) error {
	e, err := openEngine()
	if err != nil {
		return err
	}

	err = fn(e)
	if closeErr := e.Close(); err == nil {
		err = closeErr
	}
	return err
}
