// Command dctreectl is an operational tool for inspecting and
// poking at a dctree heap file: point get/insert against a live tree,
// a stats dump of its buffer manager, and a pack size estimate.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"

	"github.com/dctree/dctree"
	"github.com/dctree/dctree/env"
	"github.com/dctree/dctree/tree"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]
	args := os.Args[2:]

	var err error
	switch sub {
	case "get":
		err = runGet(args)
	case "insert":
		err = runInsert(args)
	case "stats":
		err = runStats(args)
	case "pack":
		err = runPack(args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dctreectl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dctreectl <get|insert|stats> -file PATH [-config PATH] ...\n       dctreectl pack -file PATH")
}

func commonFlags(fs *flag.FlagSet) (file, cfgPath *string) {
	file = fs.String("file", "", "heap file path")
	cfgPath = fs.String("config", "", "optional YAML config (page_size, direct_io)")
	return
}

func openTree(file, cfgPath string) (*dctree.Tree, error) {
	if file == "" {
		return nil, fmt.Errorf("-file is required")
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	opts := []dctree.Option{}
	if cfg.PageSize != 0 {
		opts = append(opts, dctree.WithPageSize(cfg.PageSize))
	}
	if cfg.DirectIO {
		opts = append(opts, dctree.WithDirectIO(true))
	}
	log := logrus.NewEntry(logrus.StandardLogger())
	opts = append(opts, dctree.WithLogger(log))
	return dctree.Open(file, opts...)
}

func runGet(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	file, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dctreectl get -file PATH KEY")
	}
	t, err := openTree(*file, *cfgPath)
	if err != nil {
		return err
	}
	defer t.Close()

	v, err := t.Get([]byte(fs.Arg(0)))
	if err != nil {
		return err
	}
	if v == nil {
		fmt.Println("(not found)")
		return nil
	}
	fmt.Printf("%s\n", v)
	return nil
}

func runInsert(args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	file, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: dctreectl insert -file PATH KEY VALUE")
	}
	t, err := openTree(*file, *cfgPath)
	if err != nil {
		return err
	}
	defer t.Close()

	return t.Insert([]byte(fs.Arg(0)), []byte(fs.Arg(1)))
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	file, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = 4096
	}
	log := logrus.NewEntry(logrus.StandardLogger())
	t, err := tree.Open(env.NewFileEnv(log, cfg.DirectIO), *file, pageSize, log)
	if err != nil {
		return err
	}
	defer t.Close()

	root, err := t.RootPID()
	if err != nil {
		return err
	}
	fmt.Printf("run_id:       %s\n", t.RunID())
	fmt.Printf("page_size:    %d\n", t.PageSize())
	fmt.Printf("next_page_id: %d\n", t.NextPageID())
	fmt.Printf("root_pid:     %d\n", root)
	return nil
}

func runPack(args []string) error {
	fs := flag.NewFlagSet("pack", flag.ExitOnError)
	file := fs.String("file", "", "heap file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	enc, err := zstd.NewWriter(&out)
	if err != nil {
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	fmt.Printf("raw_bytes:        %d\n", len(raw))
	fmt.Printf("zstd_bytes:       %d\n", out.Len())
	if len(raw) > 0 {
		fmt.Printf("compression_ratio: %.2f\n", float64(len(raw))/float64(out.Len()))
	}
	return nil
}
