package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslamotors/vehicle-session/internal/log"
	"github.com/teslamotors/vehicle-session/pkg/cli"
	"github.com/teslamotors/vehicle-session/pkg/connector"
	"github.com/teslamotors/vehicle-session/pkg/proxy"
)

const defaultPort = 8080

const (
	EnvTlsCert = "VEHICLE_HTTP_PROXY_TLS_CERT"
	EnvTlsKey  = "VEHICLE_HTTP_PROXY_TLS_KEY"
	EnvHost    = "VEHICLE_HTTP_PROXY_HOST"
	EnvPort    = "VEHICLE_HTTP_PROXY_PORT"
	EnvTimeout = "VEHICLE_HTTP_PROXY_TIMEOUT"
	EnvVerbose = "VEHICLE_VERBOSE"
)

const nonLocalhostWarning = `
Do not listen on a network interface without adding client authentication. Any client that can
reach the proxy can send commands to your vehicles.`

type HttpProxyConfig struct {
	keyFilename  string
	certFilename string
	verbose      bool
	host         string
	port         int
	timeout      time.Duration
}

var (
	httpConfig = &HttpProxyConfig{}
)

func init() {
	flag.StringVar(&httpConfig.certFilename, "cert", "", "TLS certificate chain `file` with concatenated server, intermediate CA, and root CA certificates")
	flag.StringVar(&httpConfig.keyFilename, "tls-key", "", "Server TLS private key `file`")
	flag.BoolVar(&httpConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&httpConfig.host, "host", "localhost", "Proxy server `hostname`")
	flag.IntVar(&httpConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.DurationVar(&httpConfig.timeout, "timeout", proxy.DefaultTimeout, "Timeout interval when sending commands")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that exposes a REST API for sending commands to vehicles over a shared session")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	config, err := cli.NewConfig(cli.FlagAll)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	config.ReadFromEnvironment()
	if err = config.LoadConfigFile(); err != nil {
		return
	}
	if err = config.LoadCredentials(); err != nil {
		return
	}

	if httpConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	if httpConfig.host != "localhost" {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	log.Debug("Creating proxy")
	pins := &proxy.RequestPins{}
	s, vehicles, _, err := config.Connect(pins, registry)
	if err != nil {
		return
	}
	defer s.Stop()
	statuses, err := config.Cache()
	if err != nil {
		return
	}
	_, _, observer := s.Connect(func(state connector.State) {
		log.Info("Connection %s", state)
	})
	defer s.Unregister(observer, true)

	p := proxy.New(s, vehicles, statuses, pins)
	p.Timeout = httpConfig.timeout

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", p)

	addr := fmt.Sprintf("%s:%d", httpConfig.host, httpConfig.port)
	log.Info("Listening on %s", addr)

	// To add client authentication, wrap p in an http.Handler that checks each request before
	// calling p.ServeHTTP.
	if httpConfig.certFilename != "" {
		err = http.ListenAndServeTLS(addr, httpConfig.certFilename, httpConfig.keyFilename, mux)
	} else {
		err = http.ListenAndServe(addr, mux)
	}
	log.Error("Server stopped: %s", err)
}

// readFromEnvironment applies configuration from environment variables. Values set by flags are
// not overwritten and empty variables are ignored.
func readFromEnvironment() error {
	if httpConfig.certFilename == "" {
		httpConfig.certFilename = os.Getenv(EnvTlsCert)
	}

	if httpConfig.keyFilename == "" {
		httpConfig.keyFilename = os.Getenv(EnvTlsKey)
	}

	if httpConfig.host == "localhost" {
		if host := os.Getenv(EnvHost); host != "" {
			httpConfig.host = host
		}
	}

	if !httpConfig.verbose {
		if verbose := os.Getenv(EnvVerbose); verbose != "" {
			httpConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if httpConfig.port == defaultPort {
		if port := os.Getenv(EnvPort); port != "" {
			httpConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
		}
	}

	if httpConfig.timeout == proxy.DefaultTimeout {
		if timeoutEnv := os.Getenv(EnvTimeout); timeoutEnv != "" {
			httpConfig.timeout, err = time.ParseDuration(timeoutEnv)
			if err != nil {
				return fmt.Errorf("invalid timeout: %s", timeoutEnv)
			}
		}
	}

	return nil
}
