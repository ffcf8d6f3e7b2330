package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"

	"github.com/hcikit/btbringup"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var commands = map[string]func([]string) (btbringup.CommandDescriptor, error){
	"reset":      buildReset,
	"minidriver": buildMinidriver,
	"setbaud":    buildSetBaud,
	"writeram":   buildWriteRAM,
	"launchram":  buildLaunchRAM,
	"bdaddr":     buildBDAddr,
	"raw":        buildRaw,
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runSingleCommand opens the device, sends one named command, and reports its
// status. Useful for poking a controller without running the full sequence.
func runSingleCommand(executor btbringup.TransportExecutor, device string, baud int, name string, args []string) int {
	build, ok := commands[name]
	if !ok {
		log.Errorf("invalid command %v", name)
		return exitUsage
	}
	desc, err := build(args)
	if err != nil {
		log.Errorf("%v: %v", name, err)
		return exitUsage
	}

	handle, err := executor.Open(device, baud)
	if err != nil {
		log.Errorf("failed to open device: %v", err)
		return exitOpen
	}
	defer executor.Close(handle)

	result, err := executor.Send(context.Background(), handle, desc)
	if err != nil {
		log.Errorf("%v failed: %v", name, err)
		return exitSequence
	}
	if !result.Succeeded {
		status := "no status"
		if result.StatusCode != nil {
			status = fmt.Sprintf("status %#02x (%v)", *result.StatusCode, btbringup.GetStatusString(*result.StatusCode))
		}
		log.Errorf("%v failed: %v", name, status)
		return exitSequence
	}
	log.Infof("%v succeeded", name)
	if len(result.RawResponse) > 0 {
		fmt.Print(hex.Dump(result.RawResponse))
	}
	return exitSuccess
}

func buildReset(args []string) (btbringup.CommandDescriptor, error) {
	return btbringup.NewResetCommand(), nil
}

func buildMinidriver(args []string) (btbringup.CommandDescriptor, error) {
	return btbringup.NewDownloadMinidriverCommand(), nil
}

func buildSetBaud(args []string) (btbringup.CommandDescriptor, error) {
	if len(args) != 1 {
		return btbringup.CommandDescriptor{}, errors.New("expected: rate")
	}
	rate, err := strconv.Atoi(args[0])
	if err != nil {
		return btbringup.CommandDescriptor{}, errors.Errorf("invalid rate: %v", err)
	}
	return btbringup.NewUpdateBaudRateCommand(rate), nil
}

func buildWriteRAM(args []string) (btbringup.CommandDescriptor, error) {
	if len(args) != 2 {
		return btbringup.CommandDescriptor{}, errors.New("expected: addr datafile")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return btbringup.CommandDescriptor{}, errors.Errorf("invalid address: %v", err)
	}
	data, err := ioutil.ReadFile(args[1])
	if err != nil {
		return btbringup.CommandDescriptor{}, errors.Errorf("failed to read data file: %v", err)
	}
	return btbringup.NewWriteRAMCommand(uint32(addr), data)
}

func buildLaunchRAM(args []string) (btbringup.CommandDescriptor, error) {
	if len(args) != 1 {
		return btbringup.CommandDescriptor{}, errors.New("expected: addr")
	}
	addr, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return btbringup.CommandDescriptor{}, errors.Errorf("invalid address: %v", err)
	}
	return btbringup.NewLaunchRAMCommand(uint32(addr)), nil
}

func buildBDAddr(args []string) (btbringup.CommandDescriptor, error) {
	if len(args) != 1 {
		return btbringup.CommandDescriptor{}, errors.New("expected: aa:bb:cc:dd:ee:ff")
	}
	parts := strings.Split(args[0], ":")
	if len(parts) != 6 {
		return btbringup.CommandDescriptor{}, errors.New("address must have 6 octets")
	}
	var addr [6]byte
	for i, part := range parts {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return btbringup.CommandDescriptor{}, errors.Errorf("invalid octet %q: %v", part, err)
		}
		addr[i] = byte(b)
	}
	return btbringup.NewWriteBDAddrCommand(addr), nil
}

func buildRaw(args []string) (btbringup.CommandDescriptor, error) {
	if len(args) < 2 {
		return btbringup.CommandDescriptor{}, errors.New("expected: group opcode [params...]")
	}
	return btbringup.ParseCommandLine("btcmd " + strings.Join(args, " "))
}
