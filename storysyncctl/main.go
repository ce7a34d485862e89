package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/storyweave/storysync/storysync"
)

const StorySyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Story sync control.

The default api url is:
    api_url: http://localhost:8000/api

Usage:
    storysyncctl watch [--api_url=<api_url>] --project=<project_id>
    storysyncctl versions [--api_url=<api_url>] --project=<project_id>
    storysyncctl snapshot [--api_url=<api_url>] --project=<project_id>
        [--name=<name>] [--description=<description>] [--type=<type>]
    storysyncctl diff [--api_url=<api_url>] --project=<project_id> <from> <to>
    storysyncctl promote [--api_url=<api_url>] --project=<project_id> <version>
    storysyncctl delete-version [--api_url=<api_url>] --project=<project_id> <version>
    storysyncctl restore [--api_url=<api_url>] --project=<project_id> <version> [--yes]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --project=<project_id>           Project id.
    --name=<name>                    Snapshot name.
    --description=<description>      Snapshot description.
    --type=<type>                    Snapshot type (auto, manual, milestone) [default: manual].
    --yes                            Skip the restore confirmation prompt.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], StorySyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if versions_, _ := opts.Bool("versions"); versions_ {
		versions(opts)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if diff_, _ := opts.Bool("diff"); diff_ {
		diff(opts)
	} else if promote_, _ := opts.Bool("promote"); promote_ {
		promote(opts)
	} else if deleteVersion_, _ := opts.Bool("delete-version"); deleteVersion_ {
		deleteVersion(opts)
	} else if restore_, _ := opts.Bool("restore"); restore_ {
		restore(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl_, err := opts.String("--api_url"); err == nil && apiUrl_ != "" {
		return apiUrl_
	}
	return "http://localhost:8000/api"
}

func projectId(opts docopt.Opts) string {
	projectId_, err := opts.String("--project")
	if err != nil || projectId_ == "" {
		Err.Fatal("--project is required")
	}
	return projectId_
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectionManager := storysync.NewConnectionManagerWithDefaults(
		cancelCtx,
		storysync.WsUrl(apiUrl(opts)),
	)
	defer connectionManager.Disconnect()

	unsubStatus := connectionManager.SubscribeStatus(func(status storysync.ConnectionStatus) {
		Out.Printf("status %s", status)
	})
	defer unsubStatus()

	messageTypes := []string{
		storysync.MessageTypeNodeUpdated,
		storysync.MessageTypeNodeCreated,
		storysync.MessageTypeNodeDeleted,
		storysync.MessageTypeGraphUpdated,
		storysync.MessageTypeConflictDetected,
		storysync.MessageTypeSyncStarted,
		storysync.MessageTypeSyncCompleted,
		storysync.MessageTypeSyncFailed,
	}
	for _, messageType := range messageTypes {
		messageType := messageType
		unsub := connectionManager.Subscribe(messageType, func(payload json.RawMessage) {
			Out.Printf("%s %s", messageType, string(payload))
		})
		defer unsub()
	}

	connectionManager.Connect(projectId(opts))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func versions(opts docopt.Opts) {
	api := storysync.NewStoryApi(apiUrl(opts))
	defer api.Close()

	versionManager := storysync.NewVersionManager(api, storysync.NewReconciler(), projectId(opts))
	if err := versionManager.Refresh(); err != nil {
		Err.Fatalf("list versions error = %s", err)
	}
	for _, metadata := range versionManager.Versions() {
		name := metadata.Name
		if name == "" {
			name = "-"
		}
		Out.Printf(
			"v%-4d %-10s %-24s nodes=%d entities=%d +%d -%d %s",
			metadata.Version,
			metadata.SnapshotType,
			name,
			metadata.NodeCount,
			metadata.EntityCount,
			metadata.WordsAdded,
			metadata.WordsRemoved,
			metadata.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
}

func snapshot(opts docopt.Opts) {
	api := storysync.NewStoryApi(apiUrl(opts))
	defer api.Close()

	name, _ := opts.String("--name")
	description, _ := opts.String("--description")
	snapshotType, _ := opts.String("--type")

	versionManager := storysync.NewVersionManager(api, storysync.NewReconciler(), projectId(opts))
	snapshot, err := versionManager.Create(name, description, snapshotType)
	if err != nil {
		Err.Fatalf("create snapshot error = %s", err)
	}
	Out.Printf("created v%d (%s)", snapshot.Version, snapshot.SnapshotType)
}

func diff(opts docopt.Opts) {
	api := storysync.NewStoryApi(apiUrl(opts))
	defer api.Close()

	fromVersion, err := opts.Int("<from>")
	if err != nil {
		Err.Fatal("<from> must be a version number")
	}
	toVersion, err := opts.Int("<to>")
	if err != nil {
		Err.Fatal("<to> must be a version number")
	}

	versionDiff, err := api.DiffVersionsSync(projectId(opts), fromVersion, toVersion)
	if err != nil {
		Err.Fatalf("diff error = %s", err)
	}
	diffJson, err := json.MarshalIndent(versionDiff, "", "    ")
	if err != nil {
		Err.Fatalf("diff error = %s", err)
	}
	Out.Printf("%s", string(diffJson))
}

func promote(opts docopt.Opts) {
	api := storysync.NewStoryApi(apiUrl(opts))
	defer api.Close()

	version, err := opts.Int("<version>")
	if err != nil {
		Err.Fatal("<version> must be a version number")
	}

	versionManager := storysync.NewVersionManager(api, storysync.NewReconciler(), projectId(opts))
	snapshot, err := versionManager.Promote(version)
	if err != nil {
		Err.Fatalf("promote error = %s", err)
	}
	Out.Printf("promoted v%d to %s", snapshot.Version, snapshot.SnapshotType)
}

func deleteVersion(opts docopt.Opts) {
	api := storysync.NewStoryApi(apiUrl(opts))
	defer api.Close()

	version, err := opts.Int("<version>")
	if err != nil {
		Err.Fatal("<version> must be a version number")
	}

	versionManager := storysync.NewVersionManager(api, storysync.NewReconciler(), projectId(opts))
	if err := versionManager.Delete(version); err != nil {
		Err.Fatalf("delete error = %s", err)
	}
	Out.Printf("deleted v%d", version)
}

func restore(opts docopt.Opts) {
	api := storysync.NewStoryApi(apiUrl(opts))
	defer api.Close()

	version, err := opts.Int("<version>")
	if err != nil {
		Err.Fatal("<version> must be a version number")
	}

	confirmed, _ := opts.Bool("--yes")
	if !confirmed {
		fmt.Printf("Restore v%d? This replaces the live document. [y/N] ", version)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			Err.Fatalf("restore aborted = %s", err)
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		confirmed = answer == "y" || answer == "yes"
	}
	if !confirmed {
		Out.Printf("restore aborted")
		return
	}

	reconciler := storysync.NewReconciler()
	versionManager := storysync.NewVersionManager(api, reconciler, projectId(opts))
	if err := versionManager.Restore(version, confirmed); err != nil {
		Err.Fatalf("restore error = %s", err)
	}
	project := reconciler.Project()
	Out.Printf("restored v%d: %s (%d nodes)", version, project.Title, len(project.Nodes))
}
