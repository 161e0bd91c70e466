package main

import (
	"context"
	"io"
	"log"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/alohartc"
	"github.com/lanikai/alohartc/internal/ice"
	"github.com/lanikai/alohartc/internal/signaling"
)

const defaultSTUNAddress = "stun2.l.google.com:19302"

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}

	if flagVersion {
		printVersion()
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile | log.Lmicroseconds)

	if _, err := os.Stat(flagInput); err != nil {
		log.Fatalf("video source: %v", err)
	}

	if err := signaling.Listen(doPeerSession); err != nil {
		log.Fatal(err)
	}
}

func doPeerSession(ss *signaling.Session) {
	ctx, cancel := context.WithCancel(ss.Context)
	defer cancel()

	pc := alohartc.NewPeerConnection(ctx,
		alohartc.WithSTUNServer(flagSTUNAddress),
		alohartc.WithIPv6(flagEnableIPv6),
	)
	defer pc.Close()

	select {
	case offer, ok := <-ss.Offer:
		if !ok {
			return
		}
		answer, err := pc.SetRemoteDescription(offer)
		if err != nil {
			log.Println("SetRemoteDescription:", err)
			return
		}
		if err := ss.SendAnswer(answer); err != nil {
			log.Println("SendAnswer:", err)
			return
		}
	case <-ss.Done():
		log.Println(ss.Err())
		return
	}

	go func() {
		for c := range ss.RemoteCandidates {
			pc.AddIceCandidate(c.String(), c.Mid())
		}
		pc.AddIceCandidate("", "")
	}()

	lcand := make(chan ice.Candidate)
	go func() {
		for c := range lcand {
			if err := ss.SendLocalCandidate(c); err != nil {
				log.Println("SendLocalCandidate:", err)
			}
		}
	}()

	if err := pc.Connect(lcand); err != nil {
		log.Println("Connect:", err)
		return
	}

	if err := streamLoop(ctx, pc); err != nil && err != io.EOF {
		log.Println("StreamH264:", err)
	}
}

// streamLoop plays flagInput's NAL units over pc, restarting from the
// beginning of the file whenever it reaches EOF if flagLoop is set.
func streamLoop(ctx context.Context, pc *alohartc.PeerConnection) error {
	for {
		f, err := os.Open(flagInput)
		if err != nil {
			return err
		}

		err = pc.StreamH264(f, false)
		f.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		if !flagLoop {
			return nil
		}
	}
}
