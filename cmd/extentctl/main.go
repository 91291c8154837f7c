package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/orcastor/extentfs/core"
	"github.com/orcastor/extentfs/crypt"
	"github.com/orcastor/extentfs/device"
	"github.com/orcastor/extentfs/store"
	"github.com/orcastor/extentfs/verity"
)

var (
	configFile  = pflag.StringP("config", "c", "", "Configuration file path (YAML), default $EXTENTFS_CONFIG")
	devicePath  = pflag.StringP("device", "d", "", "Device file, overrides path in the configuration")
	journalPath = pflag.StringP("journal", "j", "", "Journal file (default <device>.journal)")
	keyHex      = pflag.String("key", "", "Hex encoded 32 byte key; files created with put are encrypted with it")
	debug       = pflag.Bool("debug", false, "Enable debug logging")
	logFile     = pflag.String("log-file", "", "Also write logs to this file")
	showMetrics = pflag.Bool("metrics", false, "Print counters before exiting")
)

const fileKeyID = 1

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: extentctl [flags] <command> [args]

Commands:
  format                      create a new store on the device
  put <local>                 copy a local file into a new object, print its id
  cat <oid>                   write an object's contents to stdout
  write <oid> <offset> <local> write a local file at offset
  truncate <oid> <size>       resize an object
  allocate <oid> <start> <end> switch a range to in-place overwrite
  verity <oid> [sha256|sha512] enable fsverity
  stat <oid>                  print properties and extents
  reap                        drain the graveyard and compact the index

Flags:
`)
	pflag.PrintDefaults()
}

func main() {
	pflag.Usage = usage
	pflag.Parse()
	if pflag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	path := *configFile
	if path == "" {
		path = core.EXTENTFS_CONFIG
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *devicePath != "" {
		cfg.Path = *devicePath
	}
	if *debug {
		cfg.Debug = true
	}
	if err := core.InitLogger(core.LoggerConfig{Debug: cfg.Debug, LogFormat: cfg.LogFormat, LogFile: *logFile}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	core.Init(cfg)
	if cfg.Path == "" {
		fmt.Fprintln(os.Stderr, "Error: no device (use --device or path in the configuration)")
		os.Exit(1)
	}

	err = run(context.Background(), cfg, pflag.Arg(0), pflag.Args()[1:])
	if *showMetrics {
		printMetrics()
	}
	if err != nil {
		core.ErrorLog("%s: %v", pflag.Arg(0), err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(c context.Context, cfg *core.CoreConfig, cmd string, args []string) error {
	dev, err := device.OpenFileDevice(cfg.Path, cfg.BlockSize, cfg.DeviceSize)
	if err != nil {
		return err
	}
	defer dev.Close()

	opts := store.OptionsFromConfig(cfg)
	if *keyHex != "" {
		key, err := hex.DecodeString(*keyHex)
		if err != nil {
			return core.Errorf(core.ERR_INVALID_ARGS, "bad key: %v", err)
		}
		keys := crypt.NewStaticKeys()
		if err := keys.Add(fileKeyID, key); err != nil {
			return err
		}
		opts.Keys = keys
	}

	jp := *journalPath
	if jp == "" {
		jp = cfg.Path + ".journal"
	}

	if cmd == "format" {
		jf, err := os.OpenFile(jp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer jf.Close()
		s, err := store.New(c, dev, jf, opts)
		if err != nil {
			return err
		}
		fmt.Printf("formatted %s: %d bytes, block size %d\n", cfg.Path, dev.Size(), dev.BlockSize())
		return s.Close()
	}

	// TODO: truncate the journal to the last intact record before appending
	// after a torn tail.
	jf, err := os.OpenFile(jp, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer jf.Close()
	s, err := store.Open(c, dev, jf, jf, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	switch cmd {
	case "put":
		return put(c, s, args)
	case "cat":
		return cat(c, s, args)
	case "write":
		return write(c, s, args)
	case "truncate":
		return truncate(c, s, args)
	case "allocate":
		return allocate(c, s, args)
	case "verity":
		return enableVerity(c, s, args)
	case "stat":
		return stat(c, s, args)
	case "reap":
		r := store.NewReaper(s, &store.ReaperConfig{Interval: cfg.ReapInterval, CompactEvery: 1})
		return r.RunOnce(c)
	}
	usage()
	return core.Errorf(core.ERR_INVALID_ARGS, "unknown command %q", cmd)
}

func needArgs(args []string, n int) error {
	if len(args) < n {
		return core.Errorf(core.ERR_INVALID_ARGS, "expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, core.Errorf(core.ERR_INVALID_ARGS, "bad number %q", s)
	}
	return v, nil
}

func openArg(c context.Context, s *store.Store, arg string) (*store.DataObjectHandle, error) {
	oid, err := parseU64(arg)
	if err != nil {
		return nil, err
	}
	return s.OpenObject(c, oid)
}

func put(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	var keyID uint64
	if *keyHex != "" {
		keyID = fileKeyID
	}
	h, err := s.CreateFile(c, keyID)
	if err != nil {
		return err
	}
	w := h.NewDirectWriter()
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := w.Write(c, buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if err := w.Complete(c); err != nil {
		return err
	}
	fmt.Println(h.ObjectID())
	return nil
}

func cat(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	h, err := openArg(c, s, args[0])
	if err != nil {
		return err
	}
	buf := make([]byte, 1<<20)
	for off := uint64(0); off < h.GetSize(); {
		n, err := h.Read(c, off, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
		off += uint64(n)
	}
	return nil
}

func write(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 3); err != nil {
		return err
	}
	h, err := openArg(c, s, args[0])
	if err != nil {
		return err
	}
	off, err := parseU64(args[1])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[2])
	if err != nil {
		return err
	}
	size, err := h.WriteOrAppend(c, int64(off), data)
	if err != nil {
		return err
	}
	fmt.Printf("size %d\n", size)
	return nil
}

func truncate(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	h, err := openArg(c, s, args[0])
	if err != nil {
		return err
	}
	size, err := parseU64(args[1])
	if err != nil {
		return err
	}
	return h.Truncate(c, size)
}

func allocate(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 3); err != nil {
		return err
	}
	h, err := openArg(c, s, args[0])
	if err != nil {
		return err
	}
	start, err := parseU64(args[1])
	if err != nil {
		return err
	}
	end, err := parseU64(args[2])
	if err != nil {
		return err
	}
	return h.Allocate(c, core.Range{Start: start, End: end})
}

func enableVerity(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	h, err := openArg(c, s, args[0])
	if err != nil {
		return err
	}
	alg := verity.SHA256
	if len(args) > 1 {
		switch args[1] {
		case "sha256":
		case "sha512":
			alg = verity.SHA512
		default:
			return core.Errorf(core.ERR_INVALID_ARGS, "unknown hash %q", args[1])
		}
	}
	if err := h.EnableVerity(c, verity.VerificationOptions{Algorithm: alg}); err != nil {
		return err
	}
	_, root, _ := h.GetDescriptor()
	fmt.Printf("%s %x\n", alg, root)
	return nil
}

func stat(c context.Context, s *store.Store, args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	h, err := openArg(c, s, args[0])
	if err != nil {
		return err
	}
	p, err := h.GetProperties()
	if err != nil {
		return err
	}
	fmt.Printf("size %d allocated %d refs %d verified %v encrypted %v\n",
		p.DataSize, p.AllocatedSize, p.Refs, p.Verified, p.Encrypted)
	for _, e := range h.DeviceExtents() {
		fmt.Printf("  %v -> %v %v\n", e.Logical, e.Device, e.Mode)
	}
	return nil
}

func printMetrics() {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		core.WarnLog("gather metrics: %v", err)
		return
	}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(os.Stderr, "%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
}
