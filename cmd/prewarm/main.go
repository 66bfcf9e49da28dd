package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CZERTAINLY/prewarm/internal/log"
	"github.com/CZERTAINLY/prewarm/internal/model"
	"github.com/CZERTAINLY/prewarm/internal/service"
)

const configName = "prewarm.yaml"

var (
	userConfigPath string // /default/config/path/prewarm on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	settings       *viper.Viper

	flagConfigFilePath string // value of --config flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "prewarm")
	settings = service.NewViper()
}

func main() {
	// root flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	flags.Bool("verbose", false, "verbose logging")
	flags.String("listen", model.DefaultListen, "address of the server")
	for key, name := range map[string]string{
		service.KeyVerbose: "verbose",
		service.KeyListen:  "listen",
	} {
		if err := settings.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initPrewarm

	serveCmd.Flags().StringSliceVar(&flagTargets, "target", nil, "file compiled once at startup, may be repeated")
	serveCmd.Flags().StringSliceVar(&flagWarm, "warm", nil, "file whose runners are prepared at startup without compiling, may be repeated")
	buildCmd.Flags().BoolVar(&flagStartServer, "start-server", true, "start the server in the background when it is not running")
	buildCmd.Flags().BoolVar(&flagNoWait, "no-wait", false, "return as soon as the build has started")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("prewarm failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "prewarm",
	Short:        "Keeps LaTeX compilations warmed up and resumes them on demand",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a prewarm",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("prewarm: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:  %s\n", configPath)
		}
		fmt.Printf("prewarm: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initPrewarm(cmd *cobra.Command, _ []string) error {
	if exists(".env") {
		if err := godotenv.Load(); err != nil {
			return fmt.Errorf("loading .env: %w", err)
		}
	}

	envConfig, _ := os.LookupEnv("PREWARMCONFIG")
	configPath = findConfig(envConfig, flagConfigFilePath, ".", userConfigPath)

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		config = *cfg
	}

	// flags and PREWARM_* variables have a precedence over config file
	service.ApplyOverrides(settings, &config)

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.Service.LogFormat, config.Service.Verbose))

	slog.Debug("prewarm run", "configPath", configPath)
	slog.Debug("prewarm run", "config", config)
	return nil
}
