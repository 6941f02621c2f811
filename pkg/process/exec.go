// Copyright (C) 2019 The WAL-E Authors.
// See LICENSE for copying information.

package process

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wal-e/wal-e-sub000/pkg/fault"
)

// Execute runs a *cobra.Command and sets up process-wide configuration:
// flags are overridable from WALE_* environment variables and an
// optional config file, which matters because archive_command runs with
// whatever environment PostgreSQL gives it.
func Execute(cmd *cobra.Command) {
	cfgFile := flag.String("config", "", "config file")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		_ = viper.BindPFlags(cmd.Flags())
		_ = viper.BindPFlags(cmd.PersistentFlags())
		viper.SetEnvPrefix("wale")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		if *cfgFile != "" {
			viper.SetConfigFile(*cfgFile)
			_ = viper.ReadInConfig()
		}
	})

	if err := cmd.Execute(); err != nil {
		Fatal(err)
	}
}

// Fatal reports err on stderr and exits non-zero. User-facing errors
// render their MSG, DETAIL and HINT block; anything else is an
// internal failure and asks for a bug report.
func Fatal(err error) {
	if userErr, ok := fault.AsUser(err); ok {
		fmt.Fprintf(os.Stderr, "wal-e: %s\n", userErr.Error())
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "wal-e: internal failure: %+v\n"+
		"This is probably a bug; please report it with the output above.\n", err)
	os.Exit(2)
}
