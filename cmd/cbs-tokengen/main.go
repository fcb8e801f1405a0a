// Copyright 2025 Morgridge Institute for Research
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// cbs-tokengen mints a CBS bearer token from the command line, using
// either a JWT or a Shared Access Signature provider, prints the token
// a client would push to a $cbs node, and logs its type and expiry.
//
// Usage:
//
//	cbs-tokengen --key <key material> --audience http://h/q [--config client.yaml] [--method jwt|sas]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bbockelm/amqpcbs/config"
	"github.com/bbockelm/amqpcbs/token"
)

const defaultDuration = 20 * time.Minute

var (
	configPath = flag.String("config", "", "Path to client YAML config")
	audience   = flag.String("audience", "", "Audience to authenticate")
	claims     = flag.String("claims", "Send,Listen", "Comma-separated claim list")
	method     = flag.String("method", "jwt", "Token method: jwt or sas")
	signingKey = flag.String("key", "", "Signing/shared-access key material")
)

func main() {
	flag.Parse()

	if *audience == "" {
		slog.Error("missing required flag", "flag", "audience", "destination", "amqpcbs")
		os.Exit(1)
	}
	if *signingKey == "" {
		slog.Error("missing required flag", "flag", "key", "destination", "amqpcbs")
		os.Exit(1)
	}

	duration := defaultDurationFromConfig(*configPath)

	var provider token.Provider
	switch strings.ToLower(*method) {
	case "jwt":
		provider = &token.JWTProvider{Issuer: "amqpcbs-tokengen", SigningKey: []byte(*signingKey)}
	case "sas":
		provider = &token.SASProvider{KeyName: "cbs-tokengen", SharedAccessKey: []byte(*signingKey)}
	default:
		slog.Error("unknown method", "method", *method, "destination", "amqpcbs")
		os.Exit(1)
	}

	claimList := strings.Split(*claims, ",")
	info, err := provider.GetToken(context.Background(), *audience, claimList, duration)
	if err != nil {
		slog.Error("token generation failed", "error", err, "destination", "amqpcbs")
		os.Exit(1)
	}

	fmt.Println(info.Token)
	slog.Info("minted token", "type", info.Type, "expiry", info.Expiry, "audience", *audience, "destination", "amqpcbs")
}

func defaultDurationFromConfig(path string) time.Duration {
	if path == "" {
		return defaultDuration
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Warn("failed to load config, using default duration", "error", err, "destination", "amqpcbs")
		return defaultDuration
	}
	if cfg.TokenDuration == 0 {
		return defaultDuration
	}
	return cfg.TokenDuration
}
