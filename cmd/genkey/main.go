package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/bizur-im/bizur/internal/crypto"
)

func main() {
	dir := flag.String("dir", "", "directory to store the identity (default ~/.bizur)")
	deviceID := flag.Int("device", 1, "device id")
	force := flag.Bool("force", false, "overwrite an existing identity")
	flag.Parse()

	if *dir == "" {
		d, err := crypto.DefaultConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolving config dir: %v\n", err)
			os.Exit(1)
		}
		*dir = d
	}

	if !*force {
		if _, err := crypto.LoadIdentity(*dir); err == nil {
			fmt.Fprintf(os.Stderr, "identity already exists in %s (use -force to overwrite)\n", *dir)
			os.Exit(1)
		}
	}

	identity, err := crypto.NewIdentity(*deviceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generating identity: %v\n", err)
		os.Exit(1)
	}
	if err := identity.Save(*dir); err != nil {
		fmt.Fprintf(os.Stderr, "saving identity: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Peer code:            %s\n", identity.PeerCode())
	fmt.Printf("Public key (base64):  %s\n", base64.StdEncoding.EncodeToString(identity.PublicKey()))
	fmt.Printf("Registration id:      %d\n", identity.RegistrationID)
	fmt.Printf("Saved to:             %s\n", *dir)
}
