package main

import (
	"context"
	"fmt"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	golog "github.com/ipfs/go-log/v2"
	cmdcommon "github.com/nftex/exchange-core/cmd/common"
	"github.com/nftex/exchange-core/cmd/exchanged/engine"
	"github.com/nftex/exchange-core/cmd/exchanged/service"
	"github.com/nftex/exchange-core/exchange"
	"github.com/nftex/exchange-core/msgbroker/inprocbroker"
	"github.com/nftex/exchange-core/registry"
	"github.com/nftex/exchange-core/registry/ethregistry"
	"github.com/nftex/exchange-core/registry/registrymock"
	"github.com/nftex/exchange-core/wallet"
	"github.com/nftex/exchange-core/wallet/ethwallet"
	"github.com/nftex/exchange-core/wallet/walletmock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	daemonName        = "exchanged"
	defaultConfigPath = filepath.Join(os.Getenv("HOME"), "."+daemonName)
	log               = golog.Logger(daemonName)
	v                 = viper.New()
)

func init() {
	flags := []cmdcommon.Flag{
		{Name: "repo-path", DefValue: defaultConfigPath, Description: "Repo path for the engine datastore"},
		{Name: "http-addr", DefValue: ":8080", Description: "HTTP API listen address"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{Name: "owner-addr", DefValue: "", Description: "Address allowed to run admin operations"},
		{Name: "custody-addr", DefValue: "", Description: "Address the engine escrows assets under"},
		{Name: "fee-bps", DefValue: 250, Description: "Default platform fee in basis points (max 1000)"},
		{Name: "min-auction-duration", DefValue: exchange.DefaultMinAuctionDuration,
			Description: "Minimum auction duration"},
		{Name: "max-auction-duration", DefValue: exchange.DefaultMaxAuctionDuration,
			Description: "Maximum auction duration"},
		{Name: "extension-window", DefValue: exchange.DefaultExtensionWindow,
			Description: "Trailing window that triggers anti-sniping extension"},
		{Name: "extension-time", DefValue: exchange.DefaultExtensionTime,
			Description: "Time added when a bid lands inside the extension window"},
		{Name: "settle-interval", DefValue: time.Minute, Description: "How often ended auctions are swept"},
		{Name: "eth-rpc-url", DefValue: "", Description: "Ethereum node RPC URL"},
		{Name: "registry-addr", DefValue: "", Description: "Asset registry contract address"},
		{Name: "wallet-private-key", DefValue: "", Description: "Hex private key for custody and payouts"},
		{Name: "mock-chain", DefValue: false, Description: "Use in-memory registry and wallet (local development)"},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logging"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	cobra.OnInitialize(func() {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(os.Getenv("EXCHANGE_PATH"))
		v.AddConfigPath(defaultConfigPath)
		_ = v.ReadInConfig()
	})

	cmdcommon.ConfigureCLI(v, "EXCHANGE", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "exchanged runs the NFT exchange engine",
	Long:  "exchanged runs the escrow-based NFT auction and marketplace engine",
	PersistentPreRun: func(c *cobra.Command, args []string) {
		cmdcommon.ExpandEnvVars(v, v.AllSettings())
		err := cmdcommon.ConfigureLogging(v, []string{
			"exchanged",
			"exchange/engine",
			"exchange/store",
			"exchange/service",
			"exchange/httpapi",
			"msgbroker/inproc",
			"registry/mock",
		})
		cmdcommon.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		if file := v.ConfigFileUsed(); file != "" {
			log.Infof("loaded config file %s", file)
		}

		err := cmdcommon.SetupInstrumentation(v.GetString("metrics-addr"))
		cmdcommon.CheckErrf("booting instrumentation: %v", err)

		if !common.IsHexAddress(v.GetString("owner-addr")) {
			cmdcommon.CheckErr(fmt.Errorf("--owner-addr is required"))
		}
		owner := common.HexToAddress(v.GetString("owner-addr"))
		custody := owner
		if v.GetString("custody-addr") != "" {
			if !common.IsHexAddress(v.GetString("custody-addr")) {
				cmdcommon.CheckErr(fmt.Errorf("invalid --custody-addr"))
			}
			custody = common.HexToAddress(v.GetString("custody-addr"))
		}

		var (
			reg    registry.AssetRegistry
			sender wallet.Sender
		)
		if v.GetBool("mock-chain") {
			reg = registrymock.New(custody)
			sender = walletmock.New()
			log.Warn("running against an in-memory registry and wallet")
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
			defer cancel()
			if !common.IsHexAddress(v.GetString("registry-addr")) {
				cmdcommon.CheckErr(fmt.Errorf("--registry-addr is required"))
			}
			reg, err = ethregistry.New(ctx, v.GetString("eth-rpc-url"),
				common.HexToAddress(v.GetString("registry-addr")), v.GetString("wallet-private-key"))
			cmdcommon.CheckErrf("creating registry client: %v", err)
			sender, err = ethwallet.New(ctx, v.GetString("eth-rpc-url"), v.GetString("wallet-private-key"))
			cmdcommon.CheckErrf("creating wallet: %v", err)
		}

		mb := inprocbroker.New()

		feeBps := v.GetInt("fee-bps")
		if feeBps < 0 || feeBps > exchange.MaxPlatformFeeBps {
			cmdcommon.CheckErr(fmt.Errorf("--fee-bps must be in [0, %d]", exchange.MaxPlatformFeeBps))
		}

		config := service.Config{
			RepoPath:       v.GetString("repo-path"),
			HTTPListenAddr: v.GetString("http-addr"),
			SettleInterval: v.GetDuration("settle-interval"),
			Engine: engine.Config{
				Owner:   owner,
				Custody: custody,
				Fees: exchange.FeeConfig{
					PlatformFeeBps:     uint32(feeBps),
					MinAuctionDuration: v.GetDuration("min-auction-duration"),
					MaxAuctionDuration: v.GetDuration("max-auction-duration"),
					ExtensionWindow:    v.GetDuration("extension-window"),
					ExtensionTime:      v.GetDuration("extension-time"),
				},
			},
		}
		serv, err := service.New(mb, reg, sender, config)
		cmdcommon.CheckErrf("starting service: %v", err)

		cmdcommon.HandleInterrupt(func() {
			cmdcommon.CheckErr(serv.Close())
			cmdcommon.CheckErr(mb.Close())
		})
	},
}

func main() {
	cmdcommon.CheckErr(rootCmd.Execute())
}
