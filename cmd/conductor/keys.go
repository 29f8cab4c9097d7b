package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/rendiffdev/conductor/config"
)

// hashKey prints the bcrypt hash of an executor key.
func hashKey(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor hash-key <executor key>")
		return 2
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	fmt.Println(string(hash))
	return 0
}

// mintToken prints an HS256 client token signed with the configured
// secret.
func mintToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "conductor.yaml", "path to the YAML configuration file")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 || fs.Arg(0) == "" {
		fmt.Fprintln(os.Stderr, "usage: conductor token [-config path] [-ttl 24h] <client id>")
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	if cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(os.Stderr, "conductor: auth.jwt_secret is not set")
		return 1
	}

	now := time.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   fs.Arg(0),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
	}).SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}
