package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/boutros/triplestore"
)

const importBatchSize = 1000

func main() {
	log.SetFlags(0)
	log.SetPrefix("sopp: ")

	importF := flag.String("i", "", "import nt/ttl to db")
	dump := flag.Bool("d", false, "dump database as turtle to standard out")

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: sopp <flags> <database directory>")
		flag.PrintDefaults()
	}

	flag.Parse()

	if len(flag.Args()) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	db, err := triplestore.Open(flag.Args()[0])
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if *importF != "" {
		f, err := os.Open(*importF)
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()

		n, err := db.Import(f, importBatchSize)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("imported %d triples from %s", n, *importF)
	}

	if *dump {
		if err := db.Dump(os.Stdout); err != nil {
			log.Fatal(err)
		}
	}
}
