package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hcikit/btbringup"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const appVersion = "0.1.0"

// Exit codes, one per failure kind so factory scripts can branch on them.
const (
	exitSuccess  = 0
	exitUsage    = 1
	exitFirmware = 2
	exitOpen     = 3
	exitSequence = 4
)

// extraCommands collects repeatable -extra-command flags. Each value is the
// btcmd line format without the keyword, e.g. "3f 0100 11 22 33 44 55 66".
type extraCommands []btbringup.CommandDescriptor

func (e *extraCommands) String() string {
	return fmt.Sprintf("%d commands", len(*e))
}

func (e *extraCommands) Set(value string) error {
	desc, err := btbringup.ParseCommandLine("btcmd " + value)
	if err != nil {
		return err
	}
	*e = append(*e, desc)
	return nil
}

func main() {
	os.Exit(run())
}

func run() int {
	version := flag.Bool("version", false, "Prints the program version.")
	device := flag.String("device", "", "Serial device path.")
	baud := flag.Int("baud", 115200, "Baud rate.")
	firmware := flag.String("firmware", "", "Firmware patch file (opaque, existence-checked only).")
	patchHex := flag.String("patch-hex", "", "Intel HEX patch image to expand into write-RAM commands.")
	profilePath := flag.String("profile", "", "Device profile yaml file.")
	tool := flag.String("tool", "", "Path to a vendor replay utility. When set, commands are delivered through it instead of the built-in HCI serial transport.")
	staging := flag.String("staging", "", "Staging file for the vendor utility. Defaults to a file in the system temp directory.")
	command := flag.String("cmd", "", fmt.Sprintf("Send a single command instead of the full bring-up sequence, one of: %v", commandNames()))
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	logFile := flag.String("logfile", "", "Also write logs to this rotating file.")
	extra := extraCommands{}
	flag.Var(&extra, "extra-command", "Additional command in btcmd hex form, e.g. \"3f 0100 11 22 33 44 55 66\". Repeatable.")
	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return exitSuccess
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *logFile != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		}))
	}
	btbringup.SetLogger(log.StandardLogger())

	if *device == "" {
		log.Error("must specify device")
		return exitUsage
	}

	opts := btbringup.Options{Attempts: 1}
	if *profilePath != "" {
		prof, err := loadProfile(*profilePath)
		if err != nil {
			log.Errorf("failed to load profile: %v", err)
			return exitUsage
		}
		baudSet := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == "baud" {
				baudSet = true
			}
		})
		if err := prof.apply(&opts, baud, baudSet, patchHex, &extra); err != nil {
			log.Errorf("invalid profile: %v", err)
			return exitUsage
		}
	}

	executor, err := buildExecutor(*tool, *staging, *firmware)
	if err != nil {
		log.Errorf("failed to initialise executor: %v", err)
		return exitOpen
	}

	if *command != "" {
		return runSingleCommand(executor, *device, *baud, *command, flag.Args())
	}

	if *firmware == "" {
		log.Error("must specify firmware")
		return exitUsage
	}
	if *patchHex != "" {
		patch, err := btbringup.LoadHexPatchFile(*patchHex)
		if err != nil {
			log.Errorf("failed to expand hex patch: %v", err)
			return exitUsage
		}
		log.Infof("expanded hex patch into %d commands", len(patch))
		opts.PatchCommands = patch
	}

	orchestrator := btbringup.NewOrchestrator(executor, opts)

	log.Infof("bringing up controller on %v at %v baud...", *device, *baud)
	report, err := orchestrator.Execute(context.Background(), *firmware, *device, *baud, extra)
	switch {
	case errors.Is(err, btbringup.ErrFirmwareNotFound):
		log.Errorf("firmware check failed: %v", err)
		return exitFirmware
	case errors.Is(err, btbringup.ErrTransportOpen):
		log.Errorf("failed to open device: %v", err)
		return exitOpen
	case err != nil:
		log.Errorf("bring-up failed: %v", err)
		return exitSequence
	}

	if !report.AllSucceeded {
		if report.FirstFailureIndex < 0 {
			log.Errorf("run %v stopped before completing", report.RunID)
			return exitSequence
		}
		r := report.Results[report.FirstFailureIndex]
		if r.StatusCode != nil {
			log.Errorf("run %v: command %v failed with status %#02x (%v)",
				report.RunID, report.FirstFailureIndex, *r.StatusCode, btbringup.GetStatusString(*r.StatusCode))
		} else if report.FailureCause != nil {
			log.Errorf("run %v: %v", report.RunID, report.FailureCause)
		} else {
			log.Errorf("run %v: command %v failed with no response", report.RunID, report.FirstFailureIndex)
		}
		return exitSequence
	}

	log.Infof("run %v complete, %v commands executed", report.RunID, len(report.Results))
	return exitSuccess
}

func buildExecutor(tool, staging, firmware string) (btbringup.TransportExecutor, error) {
	if tool == "" {
		return btbringup.NewSerialExecutor(btbringup.SerialOptions{ResponseTimeout: 2 * time.Second}), nil
	}
	if staging == "" {
		staging = filepath.Join(os.TempDir(), "bt_commands.txt")
	}
	return btbringup.NewVendorToolExecutor(btbringup.VendorToolOptions{
		ToolPath:     tool,
		StagingPath:  staging,
		FirmwarePath: firmware,
	})
}
