package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/bagship/config"
	"github.com/ndlib/bagship/jobs"
	"github.com/ndlib/bagship/packaging"
	"github.com/ndlib/bagship/profile"
	"github.com/ndlib/bagship/runner"
	"github.com/ndlib/bagship/storage"
)

var (
	configFile = flag.String("config", "", "settings file")
	outputDir  = flag.String("o", "", "directory to build packages in, overrides the settings file")
	verbose    = flag.Bool("v", false, "print file progress events")
	usage      = `
bagship <command> <command arguments>

Possible commands:
    validate <profile name or file> [bag directory]

    package <job file>

    run <job file>

    store <job file> <package path>

    list <destination id or location> [prefix]

    profiles
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\nOptions:\n", usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if conf.SentryDSN != "" {
		raven.SetDSN(conf.SentryDSN)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var ok bool
	switch {
	case args[0] == "validate" && len(args) >= 2:
		ok = dovalidate(conf, args[1], args[2:])
	case args[0] == "package" && len(args) == 2:
		ok = dopackage(ctx, conf, args[1])
	case args[0] == "run" && len(args) == 2:
		ok = dorun(ctx, conf, args[1])
	case args[0] == "store" && len(args) == 3:
		ok = dostore(ctx, conf, args[1], args[2])
	case args[0] == "list" && len(args) >= 2:
		prefix := ""
		if len(args) > 2 {
			prefix = args[2]
		}
		ok = dolist(ctx, conf, args[1], prefix)
	case args[0] == "profiles":
		ok = doprofiles()
	default:
		flag.Usage()
		os.Exit(2)
	}
	if !ok {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var conf *config.Config
	var err error
	if *configFile == "" {
		conf, err = config.Parse("")
	} else {
		conf, err = config.Load(*configFile)
	}
	if err == nil && *outputDir != "" {
		conf.OutputDir = *outputDir
	}
	return conf, err
}

func newRunner(conf *config.Config) *runner.Runner {
	bagger := packaging.NewBagger(conf.OutputDir)
	bagger.SkipHidden = conf.SkipHidden
	r := runner.New(bagger, conf)
	r.Concurrency = conf.Concurrency
	return r
}

func dovalidate(conf *config.Config, name string, bags []string) bool {
	p, err := conf.Profile(name)
	if err != nil {
		fmt.Println(name, "Error", err)
		return false
	}
	ok := report(name, profile.ValidateProfile(p))
	for _, dir := range bags {
		if !report(dir, profile.ValidateBag(dir, p)) {
			ok = false
		}
	}
	return ok
}

func report(name string, v *profile.ValidationResult) bool {
	if v.IsValid() {
		fmt.Println(name, "valid")
		return true
	}
	fmt.Println(name, "invalid")
	for _, field := range v.Fields() {
		fmt.Printf("    %s: %s\n", field, v.Errors[field])
	}
	return false
}

func loadJob(conf *config.Config, fname string) (*jobs.Job, error) {
	jf, err := config.LoadJob(fname)
	if err != nil {
		return nil, err
	}
	return conf.NewJob(jf)
}

func printEvent(e packaging.Event) {
	switch e.Type {
	case packaging.FileProgress:
		if *verbose {
			fmt.Printf("%s %s %d\n", e.Type, e.Path, e.Bytes)
		}
	case packaging.FileAddStart, packaging.FileAddComplete:
		if *verbose {
			fmt.Println(e.Type, e.Path)
		}
	case packaging.Warning, packaging.Error:
		fmt.Println(e.Type, e.Message)
	default:
		fmt.Println(e.Type, e.Path)
	}
}

func dopackage(ctx context.Context, conf *config.Config, fname string) bool {
	job, err := loadJob(conf, fname)
	if err != nil {
		fmt.Println(fname, "Error", err)
		return false
	}
	r := newRunner(conf)
	defer r.Close()
	res, err := r.Package(ctx, job, printEvent)
	if err != nil {
		fmt.Println(fname, "Error", err)
		return false
	}
	printResults(res)
	return res.Succeeded
}

func dorun(ctx context.Context, conf *config.Config, fname string) bool {
	job, err := loadJob(conf, fname)
	if err != nil {
		fmt.Println(fname, "Error", err)
		return false
	}
	r := newRunner(conf)
	defer r.Close()
	err = r.Run(ctx, job, printEvent)
	if err != nil {
		fmt.Println(fname, "Error", err)
	}
	printResults(append([]*jobs.OperationResult{job.PackagingResult()}, job.StorageResults()...)...)
	if *verbose {
		out, _ := json.MarshalIndent(job, "", "  ")
		fmt.Println(string(out))
	}
	return err == nil && job.Succeeded()
}

// dostore sends an existing package to the destinations of a job. The
// package is taken as already made, so the job is not packaged again.
func dostore(ctx context.Context, conf *config.Config, fname, packagePath string) bool {
	job, err := loadJob(conf, fname)
	if err != nil {
		fmt.Println(fname, "Error", err)
		return false
	}
	if _, err := os.Stat(packagePath); err != nil {
		fmt.Println(packagePath, "Error", err)
		return false
	}
	r := runner.New(existing(packagePath), conf)
	r.Concurrency = conf.Concurrency
	defer r.Close()
	if err := r.Run(ctx, job, nil); err != nil {
		fmt.Println(fname, "Error", err)
		return false
	}
	printResults(job.StorageResults()...)
	return job.Succeeded()
}

// existing is a packager which hands back a package made earlier.
type existing string

func (e existing) Describe() packaging.Description {
	return packaging.Description{Name: "Existing", Description: "A package made earlier"}
}

func (e existing) PackageFiles(ctx context.Context, job *jobs.Job, events packaging.EventFunc) *jobs.OperationResult {
	res := jobs.NewResult(jobs.Bagging, string(e))
	job.SetPackagePath(string(e))
	res.Succeed(time.Now())
	return res
}

func dolist(ctx context.Context, conf *config.Config, dest, prefix string) bool {
	var services runner.ServiceSource = conf
	if _, err := conf.Service(dest); err != nil {
		// not configured, so try it as a location
		svc, err := storage.ParseLocation(dest)
		if err != nil {
			fmt.Println(dest, "Error", err)
			return false
		}
		services = runner.Services{svc}
	}
	r := runner.New(nil, services)
	defer r.Close()
	result, err := r.List(ctx, dest, prefix)
	if err != nil {
		fmt.Println(dest, "Error", err)
		return false
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	for _, f := range result.Files {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", f.Name, f.Size, f.ETag, f.LastModified.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	if result.Error != nil {
		fmt.Println(dest, "Error", result.Error)
		return false
	}
	return true
}

func doprofiles() bool {
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	for _, name := range profile.BuiltInNames() {
		p := profile.BuiltIn(name)
		fmt.Fprintf(w, "%s\t%s\n", name, p.Info.ExternalDescription)
	}
	w.Flush()
	fmt.Println("storage protocols:", strings.Join(storage.Protocols(), ", "))
	return true
}

func printResults(results ...*jobs.OperationResult) {
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	for _, res := range results {
		if res == nil {
			continue
		}
		status := "ok"
		if !res.Succeeded {
			status = "FAILED " + res.ErrorKind.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s%s\n",
			res.Operation, res.Destination, res.Filename, res.AttemptNumber,
			status, res.Info, res.Error)
		if res.Warning != "" {
			fmt.Fprintf(w, "\t\t\t\twarning\t%s\n", res.Warning)
		}
	}
	w.Flush()
}
