// SPDX-License-Identifier: MIT

// Command tapoctl is a thin CLI wrapper over tapo.Device, in the
// teacher's cmd/tapo idiom: pflag for flags, kirsle/configdir for a
// per-user JSON config file, one subcommand per verb.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/kirsle/configdir"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tapolan/tapo"
	"github.com/tapolan/tapo/cloud"
)

const progname = "tapoctl"

var defaultConfigFile = path.Join(configdir.LocalConfig(progname), "config.json")

var (
	flagConfigFile = pflag.StringP("config", "c", defaultConfigFile, "Configuration file")
	flagAddr       = pflag.StringP("addr", "a", "", "IP address of the Tapo device")
	flagEmail      = pflag.StringP("email", "e", "", "Tapo account email")
	flagPassword   = pflag.StringP("password", "p", "", "Tapo account password")
	flagDebug      = pflag.BoolP("debug", "d", false, "Enable debug logs")
	flagFormat     = pflag.StringP("format", "f", "{{.Idx}}) name={{.Name}} ip={{.IP}} mac={{.MAC}} model={{.Model}} deviceid={{.ID}}\n", "Template for each discovered/listed device")
)

type cmdCfg struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Debug    bool   `json:"debug"`
	log      *zap.Logger
}

func loadConfig(configFile string) (*cmdCfg, error) {
	var cfg cmdCfg
	defer func() {
		if pflag.CommandLine.Changed("email") {
			cfg.Email = *flagEmail
		}
		if pflag.CommandLine.Changed("password") {
			cfg.Password = *flagPassword
		}
		if pflag.CommandLine.Changed("debug") {
			cfg.Debug = *flagDebug
		}
	}()
	configPath := filepath.Dir(configFile)
	if configPath == "" {
		return nil, fmt.Errorf("missing/empty configuration directory")
	}
	if err := configdir.MakePath(configPath); err != nil {
		return nil, fmt.Errorf("create config path %q: %w", configPath, err)
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("read %q: %w", configFile, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}
	return &cfg, nil
}

func connectDevice(cfg *cmdCfg, addr string) (*tapo.Device, error) {
	if addr == "" {
		return nil, fmt.Errorf("no device address specified")
	}
	dev := tapo.New(addr, tapo.Credentials{Username: cfg.Email, Password: cfg.Password}, tapo.WithLogger(cfg.log))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := dev.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return dev, nil
}

func cmdOn(cfg *cmdCfg, addr string) error {
	dev, err := connectDevice(cfg, addr)
	if err != nil {
		return err
	}
	defer dev.Disconnect()
	return dev.TurnOn(context.Background())
}

func cmdOff(cfg *cmdCfg, addr string) error {
	dev, err := connectDevice(cfg, addr)
	if err != nil {
		return err
	}
	defer dev.Disconnect()
	return dev.TurnOff(context.Background())
}

func cmdInfo(cfg *cmdCfg, addr string) error {
	dev, err := connectDevice(cfg, addr)
	if err != nil {
		return err
	}
	defer dev.Disconnect()
	ctx := context.Background()
	info, err := dev.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("get device info: %w", err)
	}
	printDeviceInfo(info)

	caps, ok := dev.Capabilities()
	if ok && caps.EnergyMonitoring {
		usage, err := dev.GetEnergyUsage(ctx)
		if err != nil {
			return fmt.Errorf("get energy usage: %w", err)
		}
		printEnergyUsage(usage)
	}
	return nil
}

type formatObj struct {
	Idx   int
	IP    string
	MAC   string
	Model string
	ID    string
	Name  string
}

func cmdCloudList(cfg *cmdCfg) error {
	tmpl, err := template.New("cloud-list").Parse(strings.ReplaceAll(*flagFormat, "\\n", "\n"))
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	client := cloud.NewClient(cfg.log)
	if err := client.Login(cfg.Email, cfg.Password); err != nil {
		return err
	}
	devices, err := client.List()
	if err != nil {
		return err
	}
	for idx, dev := range devices {
		o := formatObj{Idx: idx, IP: "unknown", MAC: dev.DeviceMAC, Model: dev.DeviceModel, ID: dev.DeviceID, Name: dev.DecodedAlias}
		if err := tmpl.Execute(os.Stdout, o); err != nil {
			return fmt.Errorf("render template: %w", err)
		}
	}
	return nil
}

func cmdDiscover(cfg *cmdCfg) error {
	tmpl, err := template.New("discover").Parse(strings.ReplaceAll(*flagFormat, "\\n", "\n"))
	if err != nil {
		return fmt.Errorf("invalid template: %w", err)
	}
	d := cloud.NewDiscoverer(cfg.log)
	found, failed, err := d.Discover()
	if err != nil {
		return err
	}
	fmt.Printf("Found %d devices and %d errors\n", len(found), len(failed))
	idx := 0
	for _, dev := range found {
		idx++
		o := formatObj{Idx: idx, IP: dev.Result.IP.String(), MAC: dev.Result.MAC.String(), Model: dev.Result.DeviceModel, ID: dev.Result.DeviceID}
		if err := tmpl.Execute(os.Stdout, o); err != nil {
			return fmt.Errorf("render template: %w", err)
		}
	}
	return nil
}

func main() {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <flags> [command]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "command is one of on, off, info, cloud-list, discover\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	cmd := pflag.Arg(0)

	cfg, err := loadConfig(*flagConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
		os.Exit(1)
	}
	if cfg.Debug {
		cfg.log, _ = zap.NewDevelopment()
	} else {
		cfg.log = zap.NewNop()
	}
	defer cfg.log.Sync() //nolint:errcheck

	switch strings.ToLower(cmd) {
	case "on":
		err = cmdOn(cfg, *flagAddr)
	case "off":
		err = cmdOff(cfg, *flagAddr)
	case "info", "energy":
		err = cmdInfo(cfg, *flagAddr)
	case "cloud-list":
		err = cmdCloudList(cfg)
	case "discover":
		err = cmdDiscover(cfg)
	case "":
		fmt.Fprintln(os.Stderr, "no command specified")
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func printDeviceInfo(i *tapo.DeviceInfo) {
	fmt.Printf("Info:\n")
	fmt.Printf("Device ID    : %s\n", i.DeviceID)
	fmt.Printf("Model        : %s\n", i.Model)
	fmt.Printf("Type         : %s\n", i.Type)
	fmt.Printf("FW version   : %s\n", i.FWVersion)
	fmt.Printf("HW version   : %s\n", i.HWVersion)
	fmt.Printf("MAC          : %s\n", i.MAC)
	fmt.Printf("Nickname     : %s\n", i.Nickname)
	fmt.Printf("Device ON    : %v\n", i.DeviceOn)
	fmt.Printf("On time      : %d\n", i.OnTime)
	fmt.Printf("Overheated   : %v\n", i.Overheated)
	fmt.Printf("RSSI         : %d\n", i.RSSI)
	fmt.Printf("Signal level : %d\n\n", i.SignalLevel)
}

func printEnergyUsage(u *tapo.EnergyUsage) {
	fmt.Printf("Energy usage:\n")
	fmt.Printf("  Today runtime : %d\n", u.TodayRuntime)
	fmt.Printf("  Month runtime : %d\n", u.MonthRuntime)
	fmt.Printf("  Today energy  : %d\n", u.TodayEnergy)
	fmt.Printf("  Month energy  : %d\n\n", u.MonthEnergy)
}
