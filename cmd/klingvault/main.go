// Package main provides the klingvault command - a multi-chain wallet core CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Klingon-tech/klingvault/internal/adapter"
	"github.com/Klingon-tech/klingvault/internal/chain"
	"github.com/Klingon-tech/klingvault/internal/config"
	"github.com/Klingon-tech/klingvault/internal/keystore"
	"github.com/Klingon-tech/klingvault/internal/multisig"
	"github.com/Klingon-tech/klingvault/internal/storage"
	"github.com/Klingon-tech/klingvault/internal/vault"
	"github.com/Klingon-tech/klingvault/internal/wallet"
	"github.com/Klingon-tech/klingvault/pkg/helpers"
	"github.com/Klingon-tech/klingvault/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv is read when -password is not given.
const passwordEnv = "KLINGVAULT_PASSWORD"

const usage = `usage: klingvault [flags] <command> [args]

commands:
  mnemonic                         generate a new mnemonic
  init <mnemonic> [passphrase]     encrypt a wallet into the keystore
  address <chain> [index]          print the address at index
  balance <chain> [index|address]  print a balance
  fee <chain> <to> <amount>        estimate a transfer fee
  send <chain> <to> <amount>       sign and broadcast a transfer
  tx <chain> <hash>                query a transaction result
  keystore-store <file> <hex>      encrypt raw bytes into file
  keystore-load <file>             decrypt file and print its payload
  keystore-list                    list keystore entries
  migrate <flat|tree> <v1|v2>      move keystore files into the configured layout
  multisig-address <chain> <m> <index>...
                                   compute an m-of-n address from wallet indices
  serve                            run background workers until interrupted
`

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingvault", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		network     = flag.String("network", "", "Network (mainnet, testnet, regtest), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		password    = flag.String("password", "", "Keystore password (default: $"+passwordEnv+")")
		addrType    = flag.String("type", "", "Address type for UTXO chains (p2pkh, p2wpkh, p2tr, ...)")
		token       = flag.String("token", "", "Token contract, mint or jetton")
		language    = flag.String("language", "english", "Mnemonic language")
		dryRun      = flag.Bool("dry-run", false, "Back up files without moving them (migrate)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("klingvault %s (commit: %s)\n", version, commit)
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.Load(*dataDir)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	if *network != "" {
		n, err := chain.ParseNetwork(*network)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg.Network = n
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := logging.New(&logging.Config{
		Level:      cfg.Log.Level,
		TimeFormat: cfg.Log.TimeFormat,
	})
	logging.SetDefault(log)

	pw := *password
	if pw == "" {
		pw = os.Getenv(passwordEnv)
	}

	app := &cli{
		cfg:      cfg,
		log:      log,
		password: pw,
		addrType: chain.AddressType(*addrType),
		token:    *token,
		language: *language,
		dryRun:   *dryRun,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error("Command failed", "command", flag.Arg(0), "error", err)
		cancel()
		os.Exit(1)
	}
}

type cli struct {
	cfg      *config.Config
	log      *logging.Logger
	password string
	addrType chain.AddressType
	token    string
	language string
	dryRun   bool
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "mnemonic":
		m, err := wallet.GenerateMnemonic(256, c.language)
		if err != nil {
			return err
		}
		fmt.Println(m)
		return nil
	case "keystore-store":
		return c.keystoreStore(args)
	case "keystore-load":
		return c.keystoreLoad(args)
	}

	var store *storage.Storage
	if cmd == "serve" {
		var err error
		store, err = storage.New(&storage.Config{DataDir: config.ExpandPath(c.cfg.DataDir)})
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()
	}

	svc, err := vault.New(c.cfg, vault.Options{Store: store})
	if err != nil {
		return err
	}
	defer svc.Close()

	switch cmd {
	case "init":
		if len(args) < 1 {
			return fmt.Errorf("init needs a mnemonic")
		}
		passphrase := ""
		if len(args) > 1 {
			passphrase = args[1]
		}
		if err := svc.CreateWallet(args[0], passphrase, c.language, c.password); err != nil {
			return err
		}
		c.log.Info("Wallet created", "keystore", svc.Keystore().Root())
		return nil
	case "keystore-list":
		entries, err := svc.Keystore().List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Err != nil {
				fmt.Printf("%s\tundecodable: %v\n", e.Path, e.Err)
				continue
			}
			fmt.Printf("%s\t%s\t%s\t%s\t%s\n", e.Identity.Kind, e.Identity.Chain, e.Identity.Address, e.Identity.Path, e.Path)
		}
		return nil
	case "migrate":
		return c.migrate(svc, args)
	}

	if err := svc.Unlock(c.password); err != nil {
		return err
	}

	switch cmd {
	case "address":
		code, index, err := chainAndIndex(args)
		if err != nil {
			return err
		}
		addr, err := svc.Address(code, c.addrType, index)
		if err != nil {
			return err
		}
		fmt.Println(addr.Value)
	case "balance":
		return c.balance(ctx, svc, args)
	case "fee":
		return c.fee(ctx, svc, args)
	case "send":
		return c.send(ctx, svc, args)
	case "tx":
		return c.tx(ctx, svc, args)
	case "multisig-address":
		return c.multisigAddress(ctx, svc, args)
	case "serve":
		return c.serve(ctx, svc)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func chainAndIndex(args []string) (chain.Code, uint32, error) {
	if len(args) < 1 {
		return "", 0, fmt.Errorf("missing chain")
	}
	code, err := chain.ParseCode(args[0])
	if err != nil {
		return "", 0, err
	}
	var index uint64
	if len(args) > 1 {
		if _, err := fmt.Sscan(args[1], &index); err != nil {
			return "", 0, fmt.Errorf("invalid index %q", args[1])
		}
	}
	if index >= uint64(wallet.HardenedOffset) {
		return "", 0, fmt.Errorf("index %d overflows hardened offset", index)
	}
	return code, uint32(index), nil
}

func parseAmount(code chain.Code, network chain.Network, s string) (*big.Int, error) {
	params, ok := chain.Get(code, network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", code)
	}
	return helpers.ParseBigAmount(s, params.Decimals)
}

func (c *cli) balance(ctx context.Context, svc *vault.Service, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("balance needs a chain")
	}
	code, err := chain.ParseCode(args[0])
	if err != nil {
		return err
	}

	addr := ""
	if len(args) > 1 && strings.ContainsFunc(args[1], func(r rune) bool { return r < '0' || r > '9' }) {
		addr = args[1]
	} else {
		_, index, err := chainAndIndex(args)
		if err != nil {
			return err
		}
		a, err := svc.Address(code, c.addrType, index)
		if err != nil {
			return err
		}
		addr = a.Value
	}

	bal, err := svc.Balance(ctx, code, addr, c.token)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", bal.Display(), bal.Symbol)
	return nil
}

func (c *cli) transferParams(svc *vault.Service, args []string) (chain.Code, *adapter.TransferParams, error) {
	if len(args) < 3 {
		return "", nil, fmt.Errorf("need <chain> <to> <amount>")
	}
	code, err := chain.ParseCode(args[0])
	if err != nil {
		return "", nil, err
	}
	amount, err := parseAmount(code, svc.Network(), args[2])
	if err != nil {
		return "", nil, err
	}
	from, err := svc.Address(code, c.addrType, 0)
	if err != nil {
		return "", nil, err
	}
	return code, &adapter.TransferParams{From: from.Value, To: args[1], Amount: amount, Token: c.token}, nil
}

func (c *cli) fee(ctx context.Context, svc *vault.Service, args []string) error {
	code, p, err := c.transferParams(svc, args)
	if err != nil {
		return err
	}
	fee, err := svc.EstimateFee(ctx, code, p)
	if err != nil {
		return err
	}
	fmt.Println(fee.Display())
	return nil
}

func (c *cli) send(ctx context.Context, svc *vault.Service, args []string) error {
	code, p, err := c.transferParams(svc, args)
	if err != nil {
		return err
	}
	signed, err := svc.Send(ctx, vault.Signer{Chain: code, AddrType: c.addrType}, p)
	if err != nil {
		return err
	}
	fmt.Println(signed.Hash)
	return nil
}

func (c *cli) tx(ctx context.Context, svc *vault.Service, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("tx needs <chain> <hash>")
	}
	code, err := chain.ParseCode(args[0])
	if err != nil {
		return err
	}
	res, err := svc.TxResult(ctx, code, args[1])
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Println("not found")
		return nil
	}
	return printJSON(res)
}

func (c *cli) keystoreStore(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("keystore-store needs <file> <hex>")
	}
	data, err := helpers.HexToBytes(args[1])
	if err != nil {
		return fmt.Errorf("invalid hex: %w", err)
	}
	kdf, err := keystore.KDFByName(c.cfg.Keystore.KDF)
	if err != nil {
		return err
	}
	p := &keystore.Payload{Kind: keystore.KindPrivateKey, Name: filepath.Base(args[0]), Data: data}
	defer p.Zero()
	return keystore.StoreData(p.Name, p, args[0], c.password, kdf)
}

func (c *cli) keystoreLoad(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("keystore-load needs <file>")
	}
	p, err := keystore.LoadData(args[0], c.password)
	if err != nil {
		return err
	}
	defer p.Zero()
	fmt.Printf("kind=%s chain=%s address=%s path=%s bytes=%d\n", p.Kind, p.Chain, p.Address, p.Path, len(p.Data))
	return nil
}

func (c *cli) migrate(svc *vault.Service, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("migrate needs <flat|tree> <v1|v2>")
	}
	var v int
	if _, err := fmt.Sscanf(args[1], "v%d", &v); err != nil {
		return fmt.Errorf("invalid naming version %q", args[1])
	}
	naming, err := keystore.NamingByVersion(v)
	if err != nil {
		return err
	}
	from, err := keystore.LayoutByName(args[0], naming)
	if err != nil {
		return err
	}

	results, bad, err := svc.MigrateKeystore(from, c.dryRun)
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Printf("skip\t%s\n", r.Source)
		case r.Moved:
			fmt.Printf("moved\t%s -> %s\n", r.Source, r.Destination)
		default:
			fmt.Printf("backup\t%s -> %s\n", r.Source, r.Backup)
		}
	}
	for _, e := range bad {
		fmt.Printf("ignored\t%s: %v\n", e.Path, e.Err)
	}
	return err
}

func (c *cli) multisigAddress(ctx context.Context, svc *vault.Service, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("multisig-address needs <chain> <m> <index>...")
	}
	code, err := chain.ParseCode(args[0])
	if err != nil {
		return err
	}
	var threshold uint64
	if _, err := fmt.Sscan(args[1], &threshold); err != nil {
		return fmt.Errorf("invalid threshold %q", args[1])
	}

	acct := &multisig.Account{Chain: code, Network: svc.Network(), Threshold: threshold, AddressType: c.addrType}
	for _, arg := range args[2:] {
		_, index, err := chainAndIndex([]string{args[0], arg})
		if err != nil {
			return err
		}
		key, err := svc.Derive(code, c.addrType, index, "")
		if err != nil {
			return err
		}
		addr, err := svc.Address(code, c.addrType, index)
		if err != nil {
			key.Zero()
			return err
		}
		acct.Owners = append(acct.Owners, multisig.Owner{Address: addr.Value, PubKey: append([]byte(nil), key.Public...), Weight: 1})
		key.Zero()
	}

	addr, err := svc.MultisigAddress(ctx, acct, vault.Signer{Chain: code, AddrType: c.addrType})
	if err != nil {
		return err
	}
	fmt.Println(addr)
	return nil
}

func (c *cli) serve(ctx context.Context, svc *vault.Service) error {
	if err := svc.StartExpiryWorker(); err != nil {
		return err
	}
	c.log.Info("klingvault running", "version", version, "network", svc.Network())

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Shutting down...")
			return nil
		case <-ticker.C:
			c.log.Info("Status", "uptime", time.Since(start).Round(time.Second))
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
