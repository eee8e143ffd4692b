package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	task "taskbus"
)

var (
	configPath = flag.String("config", "taskbus.toml", "toml config file")
	listen     = flag.String("listen", ":9091", "metrics listen address")
	totalTasks = flag.Int("tasks", 300, "tasks pushed per round")
)

func main() {
	flag.Parse()

	cfg, err := task.LoadConfig(*configPath)
	if err != nil {
		glog.Fatalf("load config error: %v", err)
	}

	client := task.MustNewClient(context.Background(),
		task.SetConfig(cfg),
		task.SetTaskKey("userId"),
		task.SetMaxTasksPerKey(10),
		task.SetTimeout(time.Second*20),
	)

	// mock push data
	go func() {
		for {
			for i := 0; i < *totalTasks; i++ {
				body := map[string]interface{}{
					"userId":  fmt.Sprintf("user-%d", i%30),
					"payload": "hello",
				}
				id, err := client.AddTask(body, done, progress)
				if err != nil {
					glog.Warningf("push %d rejected: %v", i, err)
					continue
				}
				glog.V(1).Infof("push %d as %s", i, id)
			}
			time.Sleep(time.Second * 60)
		}
	}()

	go func() {
		for err := range client.Errors() {
			glog.Errorf("client fault: %v", err)
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(*listen, nil); err != nil {
		panic(err)
	}
}

func done(res task.Result, err error) {
	if err != nil {
		glog.Infof("task %s ended with %s: %v", res.ID, res.Status, err)
		return
	}
	glog.Infof("task %s done: %v", res.ID, res.Details)
}

func progress(id string, details interface{}) {
	glog.Infof("task %s progress: %v", id, details)
}
