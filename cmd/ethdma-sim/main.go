package main

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/sim"
	"github.com/slackhq/ethdma/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

var peerMAC = net.HardwareAddr{0x02, 0xee, 0x00, 0x00, 0x00, 0x01}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	inject := flag.Duration("inject", 0, "With the sim backend, inject a udp frame into every port at this interval")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	ctrl, err := ethdma.Main(c, *configTest, Build, l, nil)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if !*configTest {
		for _, p := range ctrl.Ports() {
			n := p.Config().Port
			err := ctrl.OnReceive(n, func(frame []byte) {
				l.WithField("port", n).WithField("len", len(frame)).
					WithField("payload", string(sim.Payload(frame))).Info("Received frame")
			})
			if err != nil {
				util.LogWithContextIfNeeded("Failed to attach receiver", err, l)
				os.Exit(1)
			}
		}

		ctrl.Start()
		if *inject > 0 && ctrl.Sim() != nil {
			go injectFrames(l, ctrl, *inject)
		}
		notifyReady(l)
		ctrl.ShutdownBlock()
	}

	os.Exit(0)
}

// injectFrames plays a peer sending numbered datagrams to every port.
func injectFrames(l *logrus.Logger, ctrl *ethdma.Control, every time.Duration) {
	src := netip.MustParseAddrPort("192.0.2.2:4000")
	dst := netip.MustParseAddrPort("192.0.2.1:5000")

	t := time.NewTicker(every)
	defer t.Stop()
	for seq := 0; ; seq++ {
		<-t.C
		for _, p := range ctrl.Ports() {
			if !p.Running() {
				return
			}
			cfg := p.Config()
			frame, err := sim.UDPFrame(cfg.MAC, peerMAC, src, dst, []byte(fmt.Sprintf("seq %d", seq)))
			if err != nil {
				l.WithError(err).Error("Failed to build frame")
				return
			}
			if !ctrl.Sim().Inject(cfg.Port, frame) {
				l.WithField("port", cfg.Port).Warn("Port did not take the frame")
			}
		}
	}
}
