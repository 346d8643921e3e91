package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	log "github.com/sirupsen/logrus"

	bootloader "github.com/samsamfire/avrboot"
	"github.com/samsamfire/avrboot/pkg/can"
	_ "github.com/samsamfire/avrboot/pkg/can/socketcan"
	_ "github.com/samsamfire/avrboot/pkg/can/virtual"
	"github.com/samsamfire/avrboot/pkg/config"
	"github.com/samsamfire/avrboot/pkg/image"
	"github.com/samsamfire/avrboot/pkg/progress"
)

func main() {
	boardID := pflag.IntP("board", "b", 0x01, "board identifier")
	ifaceName := pflag.StringP("interface", "i", "socketcan", "CAN backend: socketcan, virtual")
	channel := pflag.StringP("channel", "c", "can0", "interface channel, e.g. can0 or localhost:1234 for virtual")
	imagePath := pflag.StringP("image", "f", "", "Intel HEX firmware image to flash")
	configPath := pflag.String("config", "", "optional INI configuration file")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "avrboot: --image is required")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "avrboot: could not load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	bus, err := can.NewBus(*ifaceName, *channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "avrboot: could not create %s interface: %v\n", *ifaceName, err)
		os.Exit(1)
	}
	if err := bus.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "avrboot: could not connect to %s: %v\n", *channel, err)
		os.Exit(1)
	}

	file, err := os.Open(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "avrboot: %v\n", err)
		os.Exit(1)
	}
	segments, err := image.LoadIntelHex(file)
	file.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "avrboot: could not parse image: %v\n", err)
		os.Exit(1)
	}

	driver := bootloader.NewDriver(bus, uint8(*boardID), log.StandardLogger())
	driver.IdentifyTimeout = cfg.IdentifyTimeout()
	driver.IdentifyAttempts = cfg.Bootloader.Attempts
	driver.RequestTimeout = cfg.RequestTimeout()
	driver.RequestAttempts = cfg.Session.RequestAttempts
	driver.InitialBlocksize = cfg.Session.InitialBlocksize
	driver.StartBootloaderCommand = func() error {
		return resetToBootloader(bus, uint8(*boardID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := progress.NewTerminal()
	if err := driver.Program(ctx, segments, sink); err != nil {
		fmt.Fprintf(os.Stderr, "\navrboot: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(driver.Board().String())
}

// resetToBootloader sends the RCCP-style reset request that wakes the
// target's bootloader, composing the 29-bit extended identifier directly
// instead of string-formatting it.
func resetToBootloader(bus can.Interface, boardID uint8) error {
	const source = 0xff
	const rccpReset = 0x01
	id := uint32(0x18)<<24 | uint32(boardID)<<16 | uint32(source)<<8 | uint32(rccpReset)
	frame := can.Frame{ID: id, Extended: true}
	return bus.Send(frame)
}
