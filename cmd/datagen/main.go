package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/unipass/backend/internal/generator"
)

func main() {
	cfg := generator.DefaultConfig()
	var (
		profiles        = flag.Int("profiles", cfg.NumProfiles, "number of student profiles to generate")
		friendChance    = flag.Float64("friend-chance", cfg.FriendChance, "probability that any two students are friends")
		meetups         = flag.Int("meetups", cfg.NumMeetups, "number of meetups to generate")
		maxParticipants = flag.Int("max-participants", cfg.MaxParticipants, "maximum initial participants per meetup")
		horizon         = flag.Duration("horizon", cfg.Horizon, "how far ahead meetups are scheduled")
		seed            = flag.Int64("seed", cfg.Seed, "random seed for deterministic generation")
		output          = flag.String("output", "seed-data/campus.yaml", "dataset file; .json writes JSON, anything else YAML")
		format          = flag.String("format", "yaml", "format for -stdout: yaml or json")
		writeStdout     = flag.Bool("stdout", false, "write the dataset to stdout instead of a file")
	)
	flag.Parse()

	genCfg := generator.Config{
		NumProfiles:     *profiles,
		FriendChance:    clampProbability(*friendChance),
		NumMeetups:      *meetups,
		MaxParticipants: *maxParticipants,
		Horizon:         *horizon,
		Seed:            *seed,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dataset, err := generator.New(genCfg).Generate(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generation failed: %v\n", err)
		os.Exit(1)
	}

	if *writeStdout {
		if err := generator.Encode(os.Stdout, dataset, *format); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write dataset to stdout: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := generator.WriteDataset(dataset, *output); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write dataset: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "Generated %d profiles and %d meetups into %s\n", len(dataset.Profiles), len(dataset.Meetups), *output)
}

func clampProbability(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
