package stats

import (
	"encoding/json"
	"expvar"
	"net/http"
	"time"
)

const (
	NumActiveConnections = "NumActiveConnections"
	NumAttachedGroups    = "NumAttachedGroups"
	NumMessagesBroadcast = "NumMessagesBroadcast"
	NumBroadcastFailures = "NumBroadcastFailures"
)

// BroadcastsByGroup counts delivered broadcasts per group id.
const BroadcastsByGroup = "BroadcastsByGroup"

const varsName = "groupchat-stats"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterGroupMetric(name string)
	IncrGroup(name, groupId string)
	DropGroup(name, groupId string)
	Run()
	Stop()
}

// Router is the part of a mux the updater mounts its handler on. Both
// *http.ServeMux and chi.Router satisfy it.
type Router interface {
	Handle(pattern string, h http.Handler)
}

type StatsUpdater struct {
	vars       *expvar.Map
	updateChan chan *metricsUpdateReq
}

type metricsUpdateReq struct {
	name    string
	groupId string
	value   int
	drop    bool
}

func (su *StatsUpdater) expvarHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	expvarData := make(map[string]any)
	su.vars.Do(func(kv expvar.KeyValue) {
		var value any
		json.Unmarshal([]byte(kv.Value.String()), &value)
		expvarData[kv.Key] = value
	})

	json.NewEncoder(w).Encode(expvarData)
}

// NewStatsUpdater creates a new stats updater instance and mounts its
// handler at /debug/vars. expvar names are process global, so a second
// updater shares the first one's map.
func NewStatsUpdater(r Router) *StatsUpdater {
	su := &StatsUpdater{
		updateChan: make(chan *metricsUpdateReq, 512),
	}
	r.Handle("/debug/vars", http.HandlerFunc(su.expvarHandler))

	if v, ok := expvar.Get(varsName).(*expvar.Map); ok {
		su.vars = v
	} else {
		su.vars = expvar.NewMap(varsName)
	}
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.vars.Set("Uptime", expvar.Func(func() any {
		return time.Since(startTime).Milliseconds()
	}))
}

func (su *StatsUpdater) updateMetrics() {
	for req := range su.updateChan {
		if req.groupId != "" {
			su.updateGroupMetric(req)
			continue
		}

		metric, ok := su.vars.Get(req.name).(*expvar.Int)
		if !ok {
			continue
		}

		metric.Add(int64(req.value))
	}
}

func (su *StatsUpdater) updateGroupMetric(req *metricsUpdateReq) {
	metric, ok := su.vars.Get(req.name).(*expvar.Map)
	if !ok {
		return
	}
	if req.drop {
		metric.Delete(req.groupId)
		return
	}
	metric.Add(req.groupId, int64(req.value))
}

func (su *StatsUpdater) Incr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: 1}
}

func (su *StatsUpdater) Decr(name string) {
	su.updateChan <- &metricsUpdateReq{name: name, value: -1}
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.vars.Set(name, new(expvar.Int))
}

// RegisterGroupMetric adds a metric broken down by group id.
func (su *StatsUpdater) RegisterGroupMetric(name string) {
	su.vars.Set(name, new(expvar.Map))
}

func (su *StatsUpdater) IncrGroup(name, groupId string) {
	su.updateChan <- &metricsUpdateReq{name: name, groupId: groupId, value: 1}
}

// DropGroup removes groupId from a group metric.
func (su *StatsUpdater) DropGroup(name, groupId string) {
	su.updateChan <- &metricsUpdateReq{name: name, groupId: groupId, drop: true}
}

func (su *StatsUpdater) Run() {
	go su.updateMetrics()
}

func (su *StatsUpdater) Stop() {
	close(su.updateChan)
}
