// SPDX-License-Identifier: MIT

// Command tapotray is a system-tray companion for a single Tapo device:
// on/off toggle and live status, backed by tapo.Device. It exercises
// getlantern/systray, a direct dependency the teacher's go.mod already
// carried but never wired into any of its own commands.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getlantern/systray"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tapolan/tapo"
)

var (
	flagAddr     = pflag.StringP("addr", "a", "", "IP address of the Tapo device")
	flagEmail    = pflag.StringP("email", "e", "", "Tapo account email")
	flagPassword = pflag.StringP("password", "p", "", "Tapo account password")
	flagDebug    = pflag.BoolP("debug", "d", false, "Enable debug logs")
)

func main() {
	pflag.Parse()
	if *flagAddr == "" {
		fmt.Fprintln(os.Stderr, "tapotray: --addr is required")
		os.Exit(1)
	}
	systray.Run(onReady, onExit)
}

func onReady() {
	systray.SetTitle("Tapo")
	systray.SetTooltip("Tapo device status")

	statusItem := systray.AddMenuItem("Connecting...", "Current device status")
	statusItem.Disable()
	systray.AddSeparator()
	onItem := systray.AddMenuItem("Turn On", "Turn the device on")
	offItem := systray.AddMenuItem("Turn Off", "Turn the device off")
	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Quit tapotray")

	log := zap.NewNop()
	if *flagDebug {
		log, _ = zap.NewDevelopment()
	}
	dev := tapo.New(*flagAddr, tapo.Credentials{Username: *flagEmail, Password: *flagPassword}, tapo.WithLogger(log))

	connectCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := dev.Connect(connectCtx); err != nil {
		statusItem.SetTitle(fmt.Sprintf("Connect failed: %v", err))
		go func() {
			<-quitItem.ClickedCh
			systray.Quit()
		}()
		return
	}

	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		info, err := dev.GetInfo(ctx)
		if err != nil {
			statusItem.SetTitle(fmt.Sprintf("Error: %v", err))
			return
		}
		state := "off"
		if info.DeviceOn {
			state = "on"
		}
		statusItem.SetTitle(fmt.Sprintf("%s: %s", info.Nickname, state))
	}
	refresh()

	ticker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-onItem.ClickedCh:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := dev.TurnOn(ctx); err != nil {
					statusItem.SetTitle(fmt.Sprintf("Error: %v", err))
				}
				cancel()
				refresh()
			case <-offItem.ClickedCh:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := dev.TurnOff(ctx); err != nil {
					statusItem.SetTitle(fmt.Sprintf("Error: %v", err))
				}
				cancel()
				refresh()
			case <-quitItem.ClickedCh:
				ticker.Stop()
				systray.Quit()
				return
			}
		}
	}()
}

func onExit() {
	// systray handles process teardown; nothing to release here.
}
