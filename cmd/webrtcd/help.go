package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagEnableIPv6  bool
	flagSTUNAddress string
	flagInput       string
	flagLoop        bool
	flagHelp        bool
	flagVersion     bool
)

func init() {
	flag.BoolVarP(&flagEnableIPv6, "enable-ipv6", "6", false, "Permit use of IPv6")
	flag.StringVarP(&flagSTUNAddress, "stun-address", "s", defaultSTUNAddress, "STUN server address")
	flag.StringVarP(&flagInput, "input", "i", "testdata/sample.h264", "Raw H.264 Annex-B elementary stream to play out")
	flag.BoolVarP(&flagLoop, "loop", "", true, "Loop the input stream once it reaches EOF")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Real-time video communication for connected devices

Usage: webrtcd [OPTION]...

Network:
  -6, --enable-ipv6       Permit use of IPv6 (default: disabled)
  -s, --stun-address=URI  STUN server address (default: %s)

Video source:
  -i, --input=FILE        Raw H.264 Annex-B elementary stream (default: testdata/sample.h264)
      --loop              Loop the input stream once it reaches EOF (default: true)

Miscellaneous:
  -h, --help              Prints this help message and exits
  -v, --version           Prints version information and exits
`

func help() {
	c := color.New(color.FgCyan)
	c.Println("webrtcd")
	fmt.Printf(helpString, defaultSTUNAddress)
}
