package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	task "taskbus"
)

var (
	configPath = flag.String("config", "taskbus.toml", "toml config file")
	listen     = flag.String("listen", ":9092", "metrics listen address")
	auditDSN   = flag.String("audit-dsn", "", "mysql dsn for the ban archive, e.g. root:pw@tcp(127.0.0.1:3306)/tasks")
	parallel   = flag.Int("parallel", 10, "tasks worked on concurrently")
)

func main() {
	flag.Parse()

	cfg, err := task.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("load config error: %v", err)
	}

	opts := []task.Option{task.SetConfig(cfg), task.SetLogBlacklist(true)}
	if *auditDSN != "" {
		db, err := sql.Open("mysql", *auditDSN)
		if err != nil {
			panic(err)
		}
		db.SetMaxIdleConns(10)
		if err := db.Ping(); err != nil {
			glog.Fatalf("ping audit db error: %v", err)
		}
		opts = append(opts, task.SetAuditDB(db, "t_blacklist_audit"), task.SetInitDB(true))
	}

	server := task.MustNewServer(context.Background(), opts...)

	sem := make(chan struct{}, *parallel)
	go func() {
		for id := range server.Available() {
			body, err := server.AcceptTask(id)
			if err != nil {
				// another worker claimed it
				glog.V(2).Infof("skip %s: %v", id, err)
				continue
			}
			sem <- struct{}{}
			go func(id string, body map[string]interface{}) {
				defer func() { <-sem }()
				MyJob(server, id, body)
			}(id, body)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(*listen, nil); err != nil {
		panic(err)
	}
}

// MyJob example
func MyJob(server *task.Server, id string, body map[string]interface{}) {
	glog.Infof("MyJob assigned task %s: %v", id, body)

	if err := server.ProgressTask(id, "started"); err != nil {
		glog.Errorf("progress %s error: %v", id, err)
	}

	// then, do something
	user := fmt.Sprint(body["userId"])
	if user == "user-13" {
		err := task.NewTaskError("mock error", map[string]interface{}{"userId": user})
		if _, berr := server.ReportBadTask(user, err.Error()); berr != nil {
			glog.Errorf("report bad task error: %v", berr)
		}
		if cerr := server.CompleteTask(id, task.StatusError, err); cerr != nil {
			glog.Errorf("complete %s error: %v", id, cerr)
		}
		return
	}

	if err := server.CompleteTask(id, task.StatusSuccess, map[string]interface{}{"echo": body["payload"]}); err != nil {
		glog.Errorf("complete %s error: %v", id, err)
	}
}
