// Copyright (c) 2017 Company 0, LLC.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/companyzero/zkbot/service"
	"github.com/mitchellh/go-homedir"
	"github.com/vaughan0/go-ini"
)

// envOverrides are deployment conveniences; anything set here wins over
// the ini file.
type envOverrides struct {
	Listen  string `env:"ZKBOT_LISTEN"`
	Auth    string `env:"ZKBOT_AUTH"`
	Backend string `env:"ZKBOT_BACKEND"`
}

func defaultSettings() (*service.Settings, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	root := filepath.Join(home, ".zkbot")
	return &service.Settings{
		Listen:     "127.0.0.1:8050",
		Root:       filepath.Join(root, "store"),
		Cert:       filepath.Join(root, "zkbot.crt"),
		Key:        filepath.Join(root, "zkbot.key"),
		LogFile:    "",
		TimeFormat: "2006-01-02 15:04:05",
	}, nil
}

// ObtainSettings returns the service configuration assembled from
// defaults, the ini file, environment overrides and command line flags,
// in that order.
func ObtainSettings() (*service.Settings, error) {
	s, err := defaultSettings()
	if err != nil {
		return nil, err
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil, err
	}

	filename := flag.String("c",
		filepath.Join(home, ".zkbot", "zkbot.conf"),
		"configuration file")
	listen := flag.String("l", "", "listen address override")
	auth := flag.String("a", "", "webhook auth token override")
	dbg := flag.Bool("v", false, "enable debug")
	trace := flag.Bool("t", false, "enable trace")
	flag.Parse()

	cfg, err := ini.LoadFile(*filename)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("could not read %v: %v",
				*filename, err)
		}
		// no config file, rely on defaults and overrides
	} else {
		if v, ok := cfg.Get("", "listen"); ok {
			s.Listen = v
		}
		if v, ok := cfg.Get("", "auth"); ok {
			s.Auth = v
		}
		if v, ok := cfg.Get("", "root"); ok {
			s.Root, err = homedir.Expand(v)
			if err != nil {
				return nil, err
			}
		}
		if v, ok := cfg.Get("", "backend"); ok {
			s.Backend = v
		}
		if v, ok := cfg.Get("", "cert"); ok {
			s.Cert, err = homedir.Expand(v)
			if err != nil {
				return nil, err
			}
		}
		if v, ok := cfg.Get("", "key"); ok {
			s.Key, err = homedir.Expand(v)
			if err != nil {
				return nil, err
			}
		}
		if v, ok := cfg.Get("log", "logfile"); ok {
			s.LogFile, err = homedir.Expand(v)
			if err != nil {
				return nil, err
			}
		}
		if v, ok := cfg.Get("log", "timeformat"); ok {
			s.TimeFormat = v
		}
		if v, ok := cfg.Get("log", "debug"); ok && v == "yes" {
			s.Debug = true
		}
		if v, ok := cfg.Get("log", "trace"); ok && v == "yes" {
			s.Trace = true
		}
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return nil, err
	}
	if o.Listen != "" {
		s.Listen = o.Listen
	}
	if o.Auth != "" {
		s.Auth = o.Auth
	}
	if o.Backend != "" {
		s.Backend = o.Backend
	}

	if *listen != "" {
		s.Listen = *listen
	}
	if *auth != "" {
		s.Auth = *auth
	}
	if *dbg {
		s.Debug = true
	}
	if *trace {
		s.Trace = true
	}

	if s.Auth == "" {
		return nil, fmt.Errorf("no webhook auth token configured")
	}

	return s, nil
}
