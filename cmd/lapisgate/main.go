// Command lapisgate serves LAPIS-style queries over the sequence entries
// view of a PostgreSQL database.
package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lapisgate/internal/compression"
	"lapisgate/internal/config"
	"lapisgate/internal/core"
	"lapisgate/internal/query"
	"lapisgate/internal/schema"
)

var exitFunc = os.Exit

func main() {
	code := cli(os.Args[1:], os.Stdout, os.Stderr)
	exitFunc(code)
}

func cli(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, stdout, stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCommand(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "lapisgate: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	settings := config.Defaults()
	rc := &cobra.Command{
		Use:           "lapisgate",
		Short:         "Query service for sequence metadata and compressed sequences.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.Apply(viper.New(), cmd.Flags())
		},
	}
	settings.RegisterFlags(rc.PersistentFlags())
	rc.SetOut(stdout)
	rc.SetErr(stderr)

	rc.AddCommand(newServeCommand(&settings, stderr))
	rc.AddCommand(newCheckConfigCommand(&settings, stdout))
	rc.AddCommand(newCompileCommand(&settings, stdout))
	return rc
}

// loadCatalog reads the organism schema file and rejects field names that
// would make request parameters ambiguous.
func loadCatalog(path string) (*schema.Catalog, error) {
	catalog, err := schema.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := query.ValidateCatalog(catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

func newCheckConfigCommand(settings *config.Settings, stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the settings and the organism schema file.",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := settings.Validate(); err != nil {
				return err
			}
			catalog, err := loadCatalog(settings.ConfigPath)
			if err != nil {
				return err
			}
			dec, err := compression.New(catalog)
			if err != nil {
				return err
			}
			dec.Close()
			names := catalog.Names()
			sort.Strings(names)
			_, err = fmt.Fprintf(stdout, "%s: %d organisms OK (%s)\n", settings.ConfigPath, len(names), strings.Join(names, ", "))
			return err
		},
	}
}

func newCompileCommand(settings *config.Settings, stdout io.Writer) *cobra.Command {
	var organism, endpoint, sequence string
	cmd := &cobra.Command{
		Use:   "compile [query-string]",
		Short: "Print the SQL and arguments a request compiles to.",
		Example: `  lapisgate compile --organism west-nile --endpoint details 'geoLocCountry=USA&fields=accessionVersion'
  lapisgate compile --organism flu --endpoint alignedNucleotideSequences --sequence HA`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			catalog, err := loadCatalog(settings.ConfigPath)
			if err != nil {
				return err
			}
			e, err := core.ParseEndpoint(endpoint)
			if err != nil {
				return err
			}
			raw := ""
			if len(args) == 1 {
				raw = args[0]
			}
			values, err := url.ParseQuery(raw)
			if err != nil {
				return fmt.Errorf("parse query string: %w", err)
			}
			params, err := query.FromQuery(values)
			if err != nil {
				return err
			}
			svc := core.NewService(catalog, query.NewCompiler(catalog), nil, nil, core.Options{})
			prepared, err := svc.Prepare(core.Request{Organism: organism, Endpoint: e, Sequence: sequence, Params: params})
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(stdout, prepared.Statement.SQL); err != nil {
				return err
			}
			for i, arg := range prepared.Statement.Args {
				if _, err := fmt.Fprintf(stdout, "$%d = %#v\n", i+1, arg); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&organism, "organism", "", "organism to query")
	cmd.Flags().StringVar(&endpoint, "endpoint", string(core.EndpointDetails), "endpoint name, e.g. details or aggregated")
	cmd.Flags().StringVar(&sequence, "sequence", "", "segment or gene of sequence endpoints")
	_ = cmd.MarkFlagRequired("organism")
	return cmd
}
