package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/akamensky/argparse"
	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/bbfeed/pkg/feed"
	"github.com/cyclopcam/bbfeed/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("bbfeed", "Produce training batches from a BBTXT annotation file")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config file (JSON)", Required: true})
	nBatches := parser.Int("n", "batches", &argparse.Options{Help: "Number of batches to produce (0 = run until killed)", Required: false, Default: 0})
	dumpDir := parser.String("", "dump", &argparse.Options{Help: "Dump the first image of each batch as JPEG into this directory", Required: false, Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	cfg, err := feed.LoadConfig(*configFile)
	check(err)

	pipeline, err := feed.NewPipeline(logger, cfg, nil)
	check(err)
	pipeline.Start()
	defer pipeline.Stop()

	for i := 0; *nBatches == 0 || i < *nBatches; i++ {
		batch, err := pipeline.NextBatch()
		check(err)
		if *dumpDir != "" {
			check(dumpImage(batch, filepath.Join(*dumpDir, fmt.Sprintf("batch-%04d.jpg", i))))
		}
		pipeline.Release(batch)
		if i%50 == 49 {
			logger.Infof("%v batches. %v", i+1, perfstats.Stats.String())
		}
	}
	logger.Infof("Done. %v", perfstats.Stats.String())
}

// dumpImage writes the first image of a batch back to JPEG, undoing the
// planar float normalization, so you can eyeball what the augmentation is
// feeding the network.
func dumpImage(batch *feed.Batch, filename string) error {
	pixels := batch.Image(0)
	img := cimg.NewImage(batch.Width, batch.Height, cimg.PixelFormatRGB)
	plane := batch.Height * batch.Width
	for y := 0; y < batch.Height; y++ {
		row := img.Pixels[y*img.Stride:]
		for x := 0; x < batch.Width; x++ {
			for c := 0; c < 3; c++ {
				v := pixels[c*plane+y*batch.Width+x]*128 + 128
				row[x*3+c] = uint8(min(max(v, 0), 255))
			}
		}
	}
	b, err := cimg.Compress(img, cimg.MakeCompressParams(cimg.Sampling(cimg.Sampling420), 95, cimg.Flags(0)))
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0644)
}
