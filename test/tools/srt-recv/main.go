// srt-recv connects to a loopcast SRT listener as a receiver, counts the
// access units it gets and optionally writes the raw Annex B stream to a
// file.
//
//	srt-recv -key demo [-addr 127.0.0.1:6000] [-out demo.h265] [-duration 10s]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/loopcast/internal/demux"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:6000", "SRT server address")
	keyFlag := flag.String("key", "", "Stream key")
	outFlag := flag.String("out", "", "Write the received stream to this file")
	durationFlag := flag.Duration("duration", 0, "Stop after this long (0 runs until the server closes)")
	flag.Parse()

	if *keyFlag == "" {
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  srt-recv -key <stream key> [-addr host:port] [-out file.h265] [-duration 10s]\n")
		os.Exit(1)
	}

	var out io.Writer = io.Discard
	if *outFlag != "" {
		f, err := os.Create(*outFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}

	cfg := srt.DefaultConfig()
	cfg.StreamID = "live/" + *keyFlag

	fmt.Printf("[%s] Connecting to SRT %s...\n", cfg.StreamID, *addrFlag)
	conn, err := srt.Dial(*addrFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%s] SRT connect failed: %v\n", cfg.StreamID, err)
		os.Exit(1)
	}
	defer conn.Close()

	if *durationFlag > 0 {
		time.AfterFunc(*durationFlag, func() { conn.Close() })
	}

	var c auCounter
	start := time.Now()
	err = receive(conn, io.MultiWriter(out, &c), func() {
		fmt.Printf("[%s] access_units=%d bytes=%d rate=%.0f B/s\n",
			cfg.StreamID, c.units, c.bytes, float64(c.bytes)/time.Since(start).Seconds())
	})
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(os.Stderr, "[%s] Connection ended: %v\n", cfg.StreamID, err)
	}
	fmt.Printf("[%s] Done: %d access units, %d bytes in %s\n",
		cfg.StreamID, c.units, c.bytes, time.Since(start).Truncate(time.Millisecond))
}

// receive copies r to w, calling report about every 10 seconds.
func receive(r io.Reader, w io.Writer, report func()) error {
	const logInterval = 10 * time.Second
	buf := make([]byte, 1316*10)
	lastLog := time.Now()
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if time.Since(lastLog) >= logInterval {
			report()
			lastLog = time.Now()
		}
	}
}

// auCounter counts access units in an Annex B byte stream delivered in
// arbitrary chunks. A unit is complete when a NAL unit with a terminal
// header byte begins.
type auCounter struct {
	units int
	bytes int64
	tail  []byte
}

func (c *auCounter) Write(p []byte) (int, error) {
	c.bytes += int64(len(p))

	// Up to four bytes of the previous chunk can complete a start code and
	// header that straddle the boundary.
	buf := append(append([]byte(nil), c.tail...), p...)
	for _, off := range demux.FindStartCodes(buf) {
		h := off + 4
		if h < len(buf) && h >= len(c.tail) && demux.IsTerminalHeader(buf[h]) {
			c.units++
		}
	}

	keep := min(4, len(buf))
	c.tail = buf[len(buf)-keep:]
	return len(p), nil
}
