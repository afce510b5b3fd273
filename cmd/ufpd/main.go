// ufpd offloads match/action flow rules to a NIC's unified flow
// processor.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-ufp/cmd/ufpd/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
