// Command rtwatch-inspect decodes binary watcher log files and summarises or
// charts their contents.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var (
	showFrames = flag.Bool("frames", false, "Print every frame header")
	pngDir     = flag.String("png", "", "Write a PNG plot per log file into this directory")
	htmlDir    = flag.String("html", "", "Write an HTML chart per log file into this directory")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] file.bin...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	failed := false
	for _, path := range flag.Args() {
		if err := inspect(path); err != nil {
			log.Printf("%s: %v", path, err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func inspect(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	lf, err := readLog(f)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, path, lf)
	if *showFrames {
		printFrames(os.Stdout, lf)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if *pngDir != "" && len(lf.Values) > 0 {
		out := filepath.Join(*pngDir, base+".png")
		if err := savePNG(lf, out); err != nil {
			return err
		}
		log.Printf("wrote %s", out)
	}
	if *htmlDir != "" {
		out := filepath.Join(*htmlDir, base+".html")
		w, err := os.Create(out)
		if err != nil {
			return err
		}
		if err := renderHTML(lf, w); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		log.Printf("wrote %s", out)
	}
	return nil
}
