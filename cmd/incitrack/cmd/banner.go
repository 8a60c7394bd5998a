package cmd

import (
	"fmt"
	"io"
)

const banner = `
  _            _ _                  _    
 (_)_ __   ___(_) |_ _ __ __ _  ___| | __
 | | '_ \ / __| | __| '__/ _` + "`" + ` |/ __| |/ /
 | | | | | (__| | |_| | | (_| | (__|   < 
 |_|_| |_|\___|_|\__|_|  \__,_|\___|_|\_\
`

func printBanner(w io.Writer, subtitle string) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m\n", banner)
	fmt.Fprintf(w, "\x1b[32m  %s - Version %s\x1b[0m\n\n", subtitle, Version)
}
