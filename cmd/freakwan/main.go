package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/freakwan/freakwan-node/pkg/api"
	"github.com/freakwan/freakwan-node/pkg/cli"
	"github.com/freakwan/freakwan-node/pkg/crypto"
	"github.com/freakwan/freakwan-node/pkg/mesh"
	"github.com/freakwan/freakwan-node/pkg/simradio"
	"github.com/freakwan/freakwan-node/pkg/storage"
)

var (
	dataDir   = flag.String("data", "./data", "Directory for journal, keys, archive and settings")
	apiPort   = flag.Int("api", 8025, "HTTP API port (0 disables the API)")
	simGroup  = flag.String("sim", simradio.DefaultGroup, "UDP multicast group of the simulated radio medium")
	nick      = flag.String("nick", "", "Override the configured nickname")
	quiet     = flag.Bool("quiet", false, "Start in quiet mode (no automatic traffic)")
	noArchive = flag.Bool("noarchive", false, "Disable the sqlite message archive")
	histLen   = flag.Int("histlen", storage.DefaultHistLen, "Journal history length")
)

func printBanner() {
	fmt.Println(`FreakWAN node -- a LoRa ad-hoc text messaging mesh`)
}

// settingsToConfig maps the persisted settings to the engine config.
func settingsToConfig(s storage.Settings) mesh.Config {
	return mesh.Config{
		Nick:        s.Nick,
		Status:      s.Status,
		Quiet:       s.Quiet,
		CheckCRC:    s.CheckCRC,
		AutoMsg:     s.AutoMsg,
		Promiscuous: s.Promiscuous,
		Radio: mesh.RadioParams{
			FreqHz:      s.LoRaFreq,
			BandwidthHz: s.LoRaBandwidth,
			CodingRate:  s.LoRaCodingRate,
			Spreading:   s.LoRaSpreading,
			TXPowerDBM:  s.LoRaTXPower,
		},
		DutyCycleCap:     s.DutyCycleCap,
		RelayNumTX:       s.RelayNumTX,
		RelayMaxDelay:    time.Duration(s.RelayMaxDelay) * time.Millisecond,
		RelayRSSILimit:   s.RelayRSSILimit,
		SleepBatteryPerc: s.SleepBatteryPerc,
	}
}

func main() {
	flag.Parse()
	printBanner()

	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	settingsPath := filepath.Join(*dataDir, "settings.yaml")
	settings, err := storage.LoadSettings(settingsPath)
	if err != nil {
		log.Printf("Settings load problem, using defaults: %v", err)
	}

	cfg := settingsToConfig(settings)
	if *nick != "" {
		cfg.Nick = *nick
	}
	if *quiet {
		cfg.Quiet = true
	}
	if err := cfg.Radio.Validate(); err != nil {
		log.Fatalf("Invalid radio settings: %v", err)
	}

	keychain, err := crypto.NewKeychain(filepath.Join(*dataDir, "keys"))
	if err != nil {
		log.Fatalf("Failed to open keychain: %v", err)
	}

	journal, err := storage.NewJournal(filepath.Join(*dataDir, "history"), *histLen, 0)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}

	radio := simradio.New(*simGroup)
	addr := crypto.DeviceAddress()
	fw := mesh.NewFreakWAN(addr, cfg, radio, keychain, journal)
	log.Printf("✓ Node id %s, nick '%s'", addr, fw.ConfigSnapshot().Nick)

	var archive *storage.Archive
	if !*noArchive {
		archive, err = storage.NewArchive(filepath.Join(*dataDir, "archive.db"))
		if err != nil {
			log.Fatalf("Failed to open archive: %v", err)
		}
		defer archive.Close()
		fw.AttachArchive(archive)
	}

	ctrl := cli.NewCommandsController(fw, settingsPath)
	ctrl.ImagesDir = filepath.Join(*dataDir, "images")

	var server *api.Server
	if *apiPort > 0 {
		apiCfg := api.DefaultConfig()
		apiCfg.Port = *apiPort
		server = api.NewServer(fw, ctrl, archive, apiCfg)
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
		log.Printf("✓ HTTP API listening on port %d", *apiPort)
	}

	stop := make(chan struct{})
	go func() {
		if err := fw.Run(stop); err != nil {
			log.Fatalf("Engine failed: %v", err)
		}
	}()

	// Serial console: every stdin line is a command.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			ctrl.Exec(scanner.Text(), func(reply string) {
				fmt.Println(reply)
			})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	close(stop)
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}
	radio.Reset()
}
