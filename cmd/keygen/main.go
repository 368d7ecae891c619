// Command keygen creates a witness key file and prints the matching
// [[genesis.member]] entry for the group configuration.
//
//	keygen -scheme bls -out witness-0.key -endpoint http://witness-0:7000
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	nimble "github.com/SirZayers/Nimble"
	"github.com/SirZayers/Nimble/internal/nodeconfig"
)

func main() {
	scheme := flag.String("scheme", nimble.SchemeEd25519, "signature scheme (ed25519 or bls)")
	out := flag.String("out", "witness.key", "key file to create")
	endpoint := flag.String("endpoint", "", "witness endpoint for the genesis entry")
	flag.Parse()

	key, err := nimble.GenerateKey(*scheme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating key: %v\n", err)
		os.Exit(1)
	}
	if err := nodeconfig.WriteKeyFile(*out, key); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing key file: %v\n", err)
		os.Exit(1)
	}

	kf := nodeconfig.NewKeyFile(key)
	fmt.Fprintf(os.Stderr, "wrote %s (witness %s)\n", *out, kf.WitnessID)

	entry := struct {
		Genesis struct {
			Member []nodeconfig.Member `toml:"member"`
		} `toml:"genesis"`
	}{}
	entry.Genesis.Member = []nodeconfig.Member{kf.Member(*endpoint)}
	if err := toml.NewEncoder(os.Stdout).Encode(entry); err != nil {
		fmt.Fprintf(os.Stderr, "Error printing genesis entry: %v\n", err)
		os.Exit(1)
	}
}
