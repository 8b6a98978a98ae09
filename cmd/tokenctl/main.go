// tokenctl mints and inspects capability tokens. The signing secret
// comes from LEASEBANK_AUTH_SECRET; tokens are printed to stdout and
// never logged.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"leasebank.org/internal/captoken"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal("usage: tokenctl [mint|inspect] ...")
	}

	switch os.Args[1] {
	case "mint":
		mint(os.Args[2:])
	case "inspect":
		inspect(os.Args[2:])
	default:
		log.Fatalf("unknown command %q", os.Args[1])
	}
}

func mint(args []string) {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	var (
		agentID = fs.String("agent", "", "agent id (agent_<ulid>)")
		poolID  = fs.String("pool", "", "budget pool id")
		perms   = fs.String("perms", captoken.PermLease+","+captoken.PermReport, "comma-separated permissions")
		ttl     = fs.Duration("ttl", 24*time.Hour, "token lifetime (0 = no expiry)")
	)
	_ = fs.Parse(args)

	token, err := captoken.Issue(*agentID, *poolID, strings.Split(*perms, ","), *ttl)
	if err != nil {
		log.Fatalf("mint: %v", err)
	}
	fmt.Println(token)
}

func inspect(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("usage: tokenctl inspect <token>")
	}

	claims, err := captoken.Verify(fs.Arg(0))
	if err != nil {
		log.Fatalf("inspect: %v", err)
	}
	out, err := json.MarshalIndent(claims, "", "  ")
	if err != nil {
		log.Fatalf("encode claims: %v", err)
	}
	fmt.Println(string(out))
}
