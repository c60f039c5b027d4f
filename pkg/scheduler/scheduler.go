// Package scheduler runs chat commands on a cron schedule. A job feeds its
// command through the named channel exactly as if the operator had typed it,
// so scheduled runs share the chat's session, task controller and replies.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/janitor/pkg/channel"
)

// Job is one scheduled command.
type Job struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Channel  string `yaml:"channel"`
	Chat     string `yaml:"chat"`
	Command  string `yaml:"command"`
}

func (j Job) validate() error {
	var missing []string
	for field, v := range map[string]string{
		"name": j.Name, "schedule": j.Schedule, "channel": j.Channel, "chat": j.Chat, "command": j.Command,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("job %q: missing %s", j.Name, strings.Join(missing, ", "))
	}
	return nil
}

type jobFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadJobs reads every *.yaml and *.yml file in dir. A file holds either a
// single job or a `jobs:` list. A missing dir yields no jobs.
func LoadJobs(dir string) ([]Job, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading jobs dir: %w", err)
	}

	var jobs []Job
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		var file jobFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if len(file.Jobs) == 0 {
			var single Job
			if err := yaml.Unmarshal(data, &single); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			file.Jobs = []Job{single}
		}
		for _, j := range file.Jobs {
			if err := j.validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// Scheduler triggers jobs through channel command runners.
type Scheduler struct {
	cron     *cron.Cron
	runners  map[string]channel.CommandRunner
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	jobs     map[string]Job
	ctx      context.Context
	stopOnce sync.Once
}

// New creates a Scheduler. runners maps channel names ("telegram", "slack")
// to the transport that should execute jobs addressed to it.
func New(runners map[string]channel.CommandRunner) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		runners:  runners,
		entryIDs: make(map[string]cron.EntryID),
		jobs:     make(map[string]Job),
		ctx:      context.Background(),
	}
}

// Add registers job. Names must be unique and the channel must be known.
func (s *Scheduler) Add(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if _, ok := s.runners[job.Channel]; !ok {
		return fmt.Errorf("job %q: channel %q is not enabled", job.Name, job.Channel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entryIDs[job.Name]; exists {
		return fmt.Errorf("job %q: already registered", job.Name)
	}

	name := job.Name
	entryID, err := s.cron.AddFunc(job.Schedule, func() {
		if err := s.Run(name); err != nil {
			log.Printf("[scheduler] job %s: %v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
	}
	s.entryIDs[job.Name] = entryID
	s.jobs[job.Name] = job
	log.Printf("[scheduler] registered job %q (schedule=%s channel=%s chat=%s)", job.Name, job.Schedule, job.Channel, job.Chat)
	return nil
}

// Run executes the named job immediately.
func (s *Scheduler) Run(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}

	log.Printf("[scheduler] running job %q: %s", job.Name, job.Command)
	if err := s.runners[job.Channel].RunCommand(ctx, job.Chat, job.Command); err != nil {
		return fmt.Errorf("running %q: %w", job.Command, err)
	}
	return nil
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts the cron loop. It stops when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	n := len(s.entryIDs)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[scheduler] started with %d jobs", n)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the cron loop and waits for running jobs. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		log.Println("[scheduler] stopped")
	})
}
