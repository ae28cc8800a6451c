// Command kexec-asm compiles a textual kernel-graph assembly into the
// binary function format package bfile loads, standing in for a real
// compiler the way reflow's many small cmd/ tools each wrap one piece
// of the runtime for humans (see cmd/genmetrics, cmd/ec2instances).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kexec-asm -o <output.kx> [input.kxs]\n")
	flag.PrintDefaults()
}

func main() {
	log.SetFlags(0)
	out := flag.String("o", "", "output path for the compiled function (required)")
	flag.Usage = usage
	flag.Parse()

	if *out == "" {
		usage()
		os.Exit(2)
	}

	var in *os.File
	switch flag.NArg() {
	case 0:
		in = os.Stdin
	case 1:
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		in = f
	default:
		usage()
		os.Exit(2)
	}

	b, err := assemble(in)
	if err != nil {
		log.Fatalf("kexec-asm: %v", err)
	}
	encoded, err := b.Encode()
	if err != nil {
		log.Fatalf("kexec-asm: %v", err)
	}
	if err := os.WriteFile(*out, encoded, 0o644); err != nil {
		log.Fatalf("kexec-asm: %v", err)
	}
}
