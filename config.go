package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	genderizeKey   string
	genderizeURL   string
	lookupRate     int
	lookupTimeout  time.Duration
	port           int
	prefix         string
	profile        bool
	recipesKey     string
	recipesURL     string
	sessionTimeout time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool

	envFile string
	logger  *log.Logger
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.lookupTimeout <= 0 {
		return fmt.Errorf("invalid lookup timeout (must be positive): %s", c.lookupTimeout)
	}
	if c.lookupRate < 0 {
		return fmt.Errorf("invalid lookup rate (must be 0 or more): %d", c.lookupRate)
	}
	if c.sessionTimeout < 0 {
		return fmt.Errorf("invalid session timeout (must be 0 or more): %s", c.sessionTimeout)
	}
	for flag, raw := range map[string]string{"--genderize-url": c.genderizeURL, "--recipes-url": c.recipesURL} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s (must be an absolute http(s) url): %q", flag, raw)
		}
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newLogger(verbose bool) *log.Logger {
	level := log.WarnLevel
	if verbose {
		level = log.InfoLevel
	}

	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      logDate,
	})
}

// loadEnvFile reads NAMEODDS_ENV_FILE (default .env) into the environment.
// Variables that are already set win.
func loadEnvFile() string {
	path := os.Getenv("NAMEODDS_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return ""
	}
	return path
}

func newCmd(cfg *Config) *cobra.Command {
	cfg.envFile = loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("NAMEODDS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "nameodds",
		Short:         "A browser trivia game about how likely a name belongs to a gender.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			cfg.logger = newLogger(cfg.verbose)
			if cfg.envFile != "" {
				logf(cfg, "START: Loaded environment from %s", cfg.envFile)
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: NAMEODDS_BIND)")
	fs.StringVar(&cfg.genderizeKey, "genderize-key", "", "optional genderize.io api key (env: NAMEODDS_GENDERIZE_KEY)")
	fs.StringVar(&cfg.genderizeURL, "genderize-url", "https://api.genderize.io", "base url of the name-inference service (env: NAMEODDS_GENDERIZE_URL)")
	fs.IntVar(&cfg.lookupRate, "lookup-rate", 30, "name lookups allowed per game per minute, 0 for unlimited (env: NAMEODDS_LOOKUP_RATE)")
	fs.DurationVar(&cfg.lookupTimeout, "lookup-timeout", 10*time.Second, "time before a name or recipe lookup is abandoned (env: NAMEODDS_LOOKUP_TIMEOUT)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: NAMEODDS_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: NAMEODDS_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: NAMEODDS_PROFILE)")
	fs.StringVar(&cfg.recipesKey, "recipes-key", "", "spoonacular api key, rewards are disabled without one (env: NAMEODDS_RECIPES_KEY)")
	fs.StringVar(&cfg.recipesURL, "recipes-url", "https://api.spoonacular.com", "base url of the recipe service (env: NAMEODDS_RECIPES_URL)")
	fs.DurationVar(&cfg.sessionTimeout, "session-timeout", 60*time.Minute, "time before idle games are ended (env: NAMEODDS_SESSION_TIMEOUT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: NAMEODDS_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: NAMEODDS_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: NAMEODDS_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: NAMEODDS_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("nameodds v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
