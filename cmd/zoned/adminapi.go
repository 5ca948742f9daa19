/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package main

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/dnsauth/zonecore/zonecore"
	"github.com/gorilla/mux"
)

// apiZoneStatus is the JSON shape returned by GET /api/v1/zones/{name},
// matching the kind of status payload tdnsd/apihandler.go's APIcommand
// "status" case builds.
type apiZoneStatus struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Serial uint32 `json:"serial"`
	Stub   bool   `json:"stub"`
	Owners int    `json:"owners"`
}

type apiReloadResponse struct {
	Reused   []string `json:"reused"`
	Reloaded []string `json:"reloaded"`
	Stubbed  []string `json:"stubbed"`
	Removed  []string `json:"removed"`
}

type apiErrorResponse struct {
	Error string `json:"error"`
}

// setupRouter builds the admin HTTP API router, grounded on
// tdnsd/apihandler.go's SetupRouter: a mux.Router with StrictSlash(true)
// and an /api/v1 subrouter gated on the X-API-Key header.
func setupRouter(ns *zonecore.Nameserver, cfgPath, apiKey string) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apiKey).Subrouter()

	sr.HandleFunc("/reload", reloadHandler(ns, cfgPath)).Methods("POST")
	sr.HandleFunc("/zones", listZonesHandler(ns)).Methods("GET")
	sr.HandleFunc("/zones/{name}", zoneStatusHandler(ns)).Methods("GET")
	sr.HandleFunc("/zones/{name}/bump", bumpZoneHandler(ns)).Methods("POST")
	sr.HandleFunc("/zones/{name}/notify", notifyZoneHandler(ns)).Methods("POST")

	return r
}

// startAdminAPI starts the admin HTTP server in the background, matching
// tdnsd/apihandler.go's APIdispatcher (a goroutine wrapping
// http.ListenAndServe).
func startAdminAPI(ns *zonecore.Nameserver, cfg *zonecore.Config, cfgPath string, logger *log.Logger) {
	router := setupRouter(ns, cfgPath, cfg.Apiserver.ApiKey)
	if err := http.ListenAndServe(cfg.Apiserver.Address, router); err != nil {
		logger.Printf("admin api server stopped: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiErrorResponse{Error: err.Error()})
}

func reloadHandler(ns *zonecore.Nameserver, cfgPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := ns.LoadConfigAndReload(cfgPath)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, apiReloadResponse{
			Reused:   result.Reused,
			Reloaded: result.Reloaded,
			Stubbed:  result.Stubbed,
			Removed:  result.Removed,
		})
	}
}

func listZonesHandler(ns *zonecore.Nameserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ns.DB.Names())
	}
}

func zoneStatusHandler(ns *zonecore.Nameserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		zr, ok := ns.DB.Get(name)
		if !ok {
			writeAPIError(w, http.StatusNotFound, zonecore.NewError(zonecore.CodeNotFound, "zoneStatusHandler", nil))
			return
		}
		zc := zr.SnapshotContents()
		writeJSON(w, http.StatusOK, apiZoneStatus{
			Name:   zr.Name(),
			Type:   zr.Config.Type.String(),
			Serial: zc.Serial(),
			Stub:   zc.IsStub(),
			Owners: zc.OwnerCount(),
		})
	}
}

func bumpZoneHandler(ns *zonecore.Nameserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		zr, ok := ns.DB.Get(name)
		if !ok {
			writeAPIError(w, http.StatusNotFound, zonecore.NewError(zonecore.CodeNotFound, "bumpZoneHandler", nil))
			return
		}
		zc := zr.SnapshotContents()
		if zc.SOA() == nil {
			writeAPIError(w, http.StatusConflict, zonecore.NewError(zonecore.CodeInvalid, "bumpZoneHandler", nil))
			return
		}
		// Clone before mutating: zc is the published snapshot readers may
		// be walking right now, so the serial bump must land on an
		// independent copy, never in place (see ZoneContents.Clone).
		clone := zc.Clone()
		if err := clone.BumpSerial(); err != nil {
			writeAPIError(w, http.StatusConflict, err)
			return
		}
		zr.PublishContents(clone)
		ns.NotifyDownstreams(zr)
		writeJSON(w, http.StatusOK, apiZoneStatus{Name: zr.Name(), Serial: clone.Serial()})
	}
}

func notifyZoneHandler(ns *zonecore.Nameserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		zr, ok := ns.DB.Get(name)
		if !ok {
			writeAPIError(w, http.StatusNotFound, zonecore.NewError(zonecore.CodeNotFound, "notifyZoneHandler", nil))
			return
		}
		ns.NotifyDownstreams(zr)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "notify scheduled"})
	}
}
