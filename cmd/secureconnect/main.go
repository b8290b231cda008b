// secureconnect establishes an encrypted channel and relays data
// from it to the stdout, optionally sending a message first.
//
// Usage:
//
//   secureconnect -address <host:port> [-hostname <name>]
//                 [-cert <file> [-key <file>]]
//                 [-cafile <file>] [-capath <dir>]
//                 [-no-verify] [-send <message>]
//
// The channel is driven from a cooperative loop: every operation
// that cannot complete suspends and is retried once the descriptor
// becomes ready, exactly like library callers are expected to do.
// Chains that cannot be validated automatically are confirmed on
// the terminal.
//
// We emit debug logs on the stderr showing what we are currently
// doing and print the received data on the stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/m-lab/go/rtx"
	"github.com/securechan/securechan"
	"github.com/securechan/securechan/cmd/common"
	"github.com/securechan/securechan/handlers/logger"
	"github.com/securechan/securechan/internal/prompt"
	"github.com/securechan/securechan/model"
)

func main() {
	var (
		flagAddress  = flag.String("address", "example.com:443", "Address to connect to")
		flagCAFile   = flag.String("cafile", "", "CA bundle file with extra trust anchors")
		flagCAPath   = flag.String("capath", "", "Directory with extra trust anchors")
		flagCert     = flag.String("cert", "", "Client certificate PEM file")
		flagHostname = flag.String("hostname", "", "Hostname for trust evaluation")
		flagKey      = flag.String("key", "", "Client key PEM file")
		flagNoVerify = flag.Bool("no-verify", false, "Skip automatic chain validation")
		flagSend     = flag.String("send", "", "Message to send once established")
	)
	flag.Parse()
	if *common.FlagHelp {
		flag.CommandLine.SetOutput(os.Stdout)
		fmt.Printf("Usage: secureconnect [flags]\n")
		flag.PrintDefaults()
		os.Exit(0)
	}
	log.SetHandler(cli.Default)
	log.SetLevel(log.DebugLevel)
	channel, err := securechan.Connect(context.Background(), securechan.Config{
		Address:  *flagAddress,
		CAFile:   *flagCAFile,
		CAPath:   *flagCAPath,
		CertName: *flagCert,
		Handler:  logger.NewHandler(log.Log),
		Hostname: *flagHostname,
		KeyName:  *flagKey,
		NoVerify: *flagNoVerify,
		Prompter: prompt.Prompter{},
	})
	rtx.Must(err, "securechan.Connect failed")
	defer channel.Close()
	watch, err := channel.CreateWatch(model.CondRead | model.CondWrite)
	rtx.Must(err, "cannot watch the descriptor")
	for {
		result, err := channel.Handshake()
		if result == model.HandshakeEstablished {
			break
		}
		rtx.Must(err, "handshake failed")
		_, err = watch.Wait(100 * time.Millisecond)
		rtx.Must(err, "cannot wait for the descriptor")
	}
	if *flagSend != "" {
		send(channel, watch, []byte(*flagSend))
	}
	receive(channel, watch)
}

func send(channel model.Channel, watch model.Watch, data []byte) {
	for {
		_, err := channel.Write(data)
		if err == nil {
			return
		}
		if !errors.Is(err, model.ErrAgain) {
			rtx.Must(err, "write failed")
		}
		watch.Wait(100 * time.Millisecond)
	}
}

func receive(channel model.Channel, watch model.Watch) {
	buf := make([]byte, 4096)
	for {
		n, err := channel.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if !errors.Is(err, model.ErrAgain) {
			rtx.Must(err, "read failed")
		}
		watch.Wait(100 * time.Millisecond)
	}
}
