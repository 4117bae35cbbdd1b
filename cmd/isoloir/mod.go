// Package main provides the isoloir command line. The serve command runs the
// http proxy over a deployment; setup prepares the ledger objects a
// deployment needs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.dedis.ch/isoloir"
	"go.dedis.ch/isoloir/bridge"
	"go.dedis.ch/isoloir/croupier"
	"go.dedis.ch/isoloir/kv"
	"go.dedis.ch/isoloir/ledger"
	"go.dedis.ch/isoloir/ledger/bolt"
	"go.dedis.ch/isoloir/ledger/mem"
	"go.dedis.ch/isoloir/pipeline"
	"go.dedis.ch/isoloir/proxy/http"
	"go.dedis.ch/isoloir/scrutateur"
	"go.dedis.ch/isoloir/seal/elgamal"
	"go.dedis.ch/isoloir/token"
	"go.dedis.ch/isoloir/token/exec"
	"go.dedis.ch/isoloir/token/local"
	"go.dedis.ch/isoloir/verified"
	"golang.org/x/xerrors"
)

func main() {
	err := run(os.Args, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	app := &cli.App{
		Name:   "isoloir",
		Usage:  "anonymized ballot pipeline",
		Writer: out,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:  "config",
				Usage: "path to the yaml configuration",
				Value: "isoloir.yml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "setup",
				Usage:  "create the ledger objects of a deployment",
				Action: setupAction,
			},
			{
				Name:   "serve",
				Usage:  "run the http proxy",
				Action: serveAction,
			},
			{
				Name:  "verified",
				Usage: "manage the verified set of a running deployment",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "register an address",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "address",
								Usage:    "address to register",
								Required: true,
							},
						},
						Action: verifiedAddAction,
					},
				},
			},
		},
	}

	err := app.Run(args)
	if err != nil {
		return xerrors.Errorf("failed to execute the command: %v", err)
	}

	return nil
}

// setupAction creates the verified set and the two stores, then prints their
// identifiers so they can be written back into the configuration.
func setupAction(c *cli.Context) error {
	cfg, err := LoadConfig(c.Path("config"))
	if err != nil {
		return err
	}

	l, closer, err := openLedger(cfg)
	if err != nil {
		return err
	}

	defer closer()

	ctx := context.Background()

	v := verified.NewService(l)

	setID, err := v.Create(ctx, cfg.Admin)
	if err != nil {
		return xerrors.Errorf("failed to create verified set: %v", err)
	}

	croupierID, err := croupier.NewService(l, v).Create(ctx, cfg.Admin)
	if err != nil {
		return xerrors.Errorf("failed to create ingestion store: %v", err)
	}

	scrutateurID, err := scrutateur.NewService(l).Create(ctx, cfg.Admin)
	if err != nil {
		return xerrors.Errorf("failed to create reception store: %v", err)
	}

	fmt.Fprintf(c.App.Writer, "verified_id: %s\ncroupier_id: %s\nscrutateur_id: %s\n",
		setID, croupierID, scrutateurID)

	return nil
}

// serveAction runs the proxy until SIGINT or SIGTERM.
func serveAction(c *cli.Context) error {
	cfg, err := LoadConfig(c.Path("config"))
	if err != nil {
		return err
	}

	if cfg.VerifiedID == "" || cfg.CroupierID == "" || cfg.ScrutateurID == "" {
		return xerrors.New("missing store identifiers, run setup first")
	}

	l, closer, err := openLedger(cfg)
	if err != nil {
		return err
	}

	defer closer()

	v := verified.NewService(l)
	cr := croupier.NewService(l, v)
	s := scrutateur.NewService(l)
	b := bridge.NewBridge(l, elgamal.NewService(bridge.NewPolicy(l)))

	journal, journalCloser, err := openJournal(cfg)
	if err != nil {
		return err
	}

	defer journalCloser()

	pipelineCfg := pipeline.Config{
		Admin:        cfg.Admin,
		VerifiedID:   ledger.ID(cfg.VerifiedID),
		CroupierID:   ledger.ID(cfg.CroupierID),
		ScrutateurID: ledger.ID(cfg.ScrutateurID),
	}

	p := pipeline.NewPipeline(makeGenerator(cfg), b, cr, s, journal, pipelineCfg)

	srv := http.NewHTTP(cfg.Listen)

	http.NewHandlers(p, b, v, cr, s, pipelineCfg).Register(srv)

	registry := prometheus.NewRegistry()
	for _, collector := range isoloir.PromCollectors {
		err := registry.Register(collector)
		if err != nil {
			return xerrors.Errorf("failed to register collector: %v", err)
		}
	}

	srv.RegisterHandler("/metrics", promhttp.HandlerFor(registry,
		promhttp.HandlerOpts{}).ServeHTTP)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		<-sigs
		srv.Stop()
	}()

	srv.Listen()

	return nil
}

// verifiedAddAction registers an address through the http surface of a
// running serve command.
func verifiedAddAction(c *cli.Context) error {
	cfg, err := LoadConfig(c.Path("config"))
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"address": c.String("address")})
	if err != nil {
		return xerrors.Errorf("failed to marshal body: %v", err)
	}

	res, err := nethttp.Post("http://"+cfg.Listen+"/verified/add",
		"application/json", bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("failed to reach the proxy: %v", err)
	}

	defer res.Body.Close()

	if res.StatusCode != nethttp.StatusOK {
		buf, _ := ioutil.ReadAll(res.Body)
		return xerrors.Errorf("proxy refused the address: %s", buf)
	}

	fmt.Fprintf(c.App.Writer, "address %s registered\n", c.String("address"))

	return nil
}

func makeGenerator(cfg Config) token.Generator {
	if cfg.TokenCmd != "" {
		return exec.NewGenerator(cfg.TokenCmd, cfg.TokenArgs...)
	}

	return local.NewGenerator()
}

// openLedger returns the configured ledger. An empty db path means the
// in-memory ledger, which does not survive a restart.
func openLedger(cfg Config) (ledger.Ledger, func(), error) {
	if cfg.DB == "" {
		isoloir.Logger.Warn().Msg("no db configured, state is in memory only")
		return mem.NewLedger(), func() {}, nil
	}

	db, err := kv.New(cfg.DB)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to open db: %v", err)
	}

	l, err := bolt.NewLedger(db)
	if err != nil {
		db.Close()
		return nil, nil, xerrors.Errorf("failed to open ledger: %v", err)
	}

	return l, func() { db.Close() }, nil
}

func openJournal(cfg Config) (pipeline.Journal, func(), error) {
	if cfg.JournalDB == "" {
		return pipeline.NewMemJournal(), func() {}, nil
	}

	db, err := kv.New(cfg.JournalDB)
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to open journal db: %v", err)
	}

	return pipeline.NewJournal(db), func() { db.Close() }, nil
}
