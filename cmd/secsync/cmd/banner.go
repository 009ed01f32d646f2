package cmd

import (
	"fmt"
)

const banner = `
  ___  ___  ___  ___ _   _ _ __   ___ 
 / __|/ _ \/ __|/ __| | | | '_ \ / __|
 \__ \  __/ (__ \__ \ |_| | | | | (__ 
 |___/\___|\___||___/\__, |_| |_|\___|
                      __/ |           
                     |___/            
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Encrypted Document Relay - Version %s\x1b[0m\n\n", Version)
}
