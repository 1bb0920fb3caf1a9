//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall/js"

	"github.com/kittclouds/lorekit/internal/store"
	"github.com/kittclouds/lorekit/pkg/embedding"
	"github.com/kittclouds/lorekit/pkg/indexer"
	"github.com/kittclouds/lorekit/pkg/logger"
	"github.com/kittclouds/lorekit/pkg/mentions"
	"github.com/kittclouds/lorekit/pkg/patch"
	"github.com/kittclouds/lorekit/pkg/retrieval"
)

// Version info
const Version = "0.3.0"

// Global state
var (
	sqlStore   *store.SQLiteStore
	embedCache *embedding.Cache
	snap       *retrieval.Snapshot
	retrSvc    *retrieval.Service
	idx        *indexer.Indexer
	patchEng   *patch.Engine
	scanner    *mentions.Scanner
)

func main() {
	fmt.Println("[LoreKit] WASM Ready v" + Version)

	js.Global().Set("LoreKit", js.ValueOf(map[string]interface{}{
		"version":    js.FuncOf(getVersion),
		"setVerbose": js.FuncOf(setVerbose),
		// Store lifecycle
		"storeInit":     js.FuncOf(storeInit),
		"storeClose":    js.FuncOf(storeClose),
		"schemaVersion": js.FuncOf(schemaVersion),
		// Indexing pipeline
		"engineInit":     js.FuncOf(engineInit),
		"upsertDocument": js.FuncOf(upsertDocument),
		"removeDocument": js.FuncOf(removeDocument),
		"rehydrate":      js.FuncOf(rehydrate),
		// Retrieval
		"buildContext": js.FuncOf(buildContext),
		// Entity CRUD
		"upsertEntity": js.FuncOf(upsertEntity),
		"getEntity":    js.FuncOf(getEntity),
		"deleteEntity": js.FuncOf(deleteEntity),
		"listEntities": js.FuncOf(listEntities),
		// Relationships
		"upsertRelationship":  js.FuncOf(upsertRelationship),
		"deleteRelationship":  js.FuncOf(deleteRelationship),
		"entityRelationships": js.FuncOf(entityRelationships),
		// Patch lifecycle
		"patchPropose":      js.FuncOf(patchPropose),
		"patchAccept":       js.FuncOf(patchAccept),
		"patchReject":       js.FuncOf(patchReject),
		"patchPending":      js.FuncOf(patchPending),
		"patchesForEntity":  js.FuncOf(patchesForEntity),
		"patchRebuildIndex": js.FuncOf(patchRebuildIndex),
		// Mentions
		"mentionsRebuild": js.FuncOf(mentionsRebuild),
		"mentionsScan":    js.FuncOf(mentionsScan),
		"mentionsSuggest": js.FuncOf(mentionsSuggest),
		// Cascades
		"collectDescendants": js.FuncOf(collectDescendants),
		"deleteCascade":      js.FuncOf(deleteCascade),
		"deleteWorkspace":    js.FuncOf(deleteWorkspace),
	}))

	select {}
}

// =============================================================================
// Helpers
// =============================================================================

func errorResult(msg string) interface{} {
	jsonBytes, _ := json.Marshal(map[string]interface{}{"error": msg})
	return string(jsonBytes)
}

func successResult(msg string) interface{} {
	jsonBytes, _ := json.Marshal(map[string]interface{}{"success": msg})
	return string(jsonBytes)
}

func jsonResult(v interface{}) interface{} {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return errorResult("marshal: " + err.Error())
	}
	return string(jsonBytes)
}

func makePromise() (promise js.Value, resolve js.Value, reject js.Value) {
	var resolveFn, rejectFn js.Value
	handler := js.FuncOf(func(this js.Value, args []js.Value) interface{} {
		resolveFn = args[0]
		rejectFn = args[1]
		return nil
	})
	defer handler.Release()

	promise = js.Global().Get("Promise").New(handler)
	return promise, resolveFn, rejectFn
}

func jsError(format string, args ...interface{}) js.Value {
	return js.Global().Get("Error").New(fmt.Sprintf(format, args...))
}

func getVersion(this js.Value, args []js.Value) interface{} {
	return Version
}

func setVerbose(this js.Value, args []js.Value) interface{} {
	logger.SetVerbose(len(args) > 0 && args[0].Truthy())
	return successResult("ok")
}

// =============================================================================
// Store lifecycle
// =============================================================================

// storeInit opens the SQLite store.
// Args: [dsn string] - optional, defaults to in-memory
func storeInit(this js.Value, args []js.Value) interface{} {
	dsn := ":memory:"
	if len(args) > 0 && args[0].String() != "" {
		dsn = args[0].String()
	}

	if sqlStore != nil {
		sqlStore.Close()
	}
	var err error
	sqlStore, err = store.NewSQLiteStoreWithDSN(dsn)
	if err != nil {
		return errorResult("storeInit: " + err.Error())
	}
	return successResult("store ready")
}

func storeClose(this js.Value, args []js.Value) interface{} {
	if sqlStore == nil {
		return successResult("already closed")
	}
	if err := sqlStore.Close(); err != nil {
		return errorResult(err.Error())
	}
	sqlStore = nil
	return successResult("closed")
}

func schemaVersion(this js.Value, args []js.Value) interface{} {
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	v, err := sqlStore.SchemaVersion()
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]int{"version": v})
}

// =============================================================================
// Engine wiring
// =============================================================================

type engineConfig struct {
	BaseURL        string  `json:"baseUrl"`
	Model          string  `json:"model"`
	MaxTokens      int     `json:"maxTokens"`
	TopK           int     `json:"topK"`
	GapCutoff      float64 `json:"gapCutoff"`
	RelevanceFloor float64 `json:"relevanceFloor"`
	ExcerptLength  int     `json:"excerptLength"`
}

// engineInit wires the indexer, embedding cache, retrieval service, and
// patch engine over an open store.
// Args: [configJSON string] - optional
func engineInit(this js.Value, args []js.Value) interface{} {
	if sqlStore == nil {
		return errorResult("engineInit: call storeInit first")
	}

	var cfg engineConfig
	if len(args) > 0 && args[0].String() != "" && args[0].String() != "null" {
		if err := json.Unmarshal([]byte(args[0].String()), &cfg); err != nil {
			return errorResult("engineInit: invalid config: " + err.Error())
		}
	}

	client := embedding.NewClient(embedding.ClientConfig{BaseURL: cfg.BaseURL})
	embedCache = embedding.NewCache(sqlStore, client)
	snap = retrieval.NewSnapshot()
	retrSvc = retrieval.NewService(embedCache, sqlStore, snap, retrieval.Options{
		Model:          cfg.Model,
		TopK:           cfg.TopK,
		GapCutoff:      cfg.GapCutoff,
		RelevanceFloor: cfg.RelevanceFloor,
		ExcerptLength:  cfg.ExcerptLength,
	})
	idx = indexer.New(sqlStore, embedCache, snap, indexer.Config{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	})
	patchEng = patch.NewEngine(sqlStore)

	return successResult("engine ready")
}

// upsertDocument indexes a document: fingerprint, chunk, embed, publish.
// Args: workspaceId, id, title, content
// Returns: Promise<Result JSON>
func upsertDocument(this js.Value, args []js.Value) interface{} {
	if len(args) < 4 {
		return errorResult("upsertDocument requires 4 args: workspaceId, id, title, content")
	}
	workspaceID := args[0].String()
	id := args[1].String()
	title := args[2].String()
	content := args[3].String()

	promise, resolve, reject := makePromise()
	go func() {
		if idx == nil {
			reject.Invoke(jsError("upsertDocument: engine not initialized"))
			return
		}
		res, err := idx.UpsertDocument(context.Background(), workspaceID, id, title, content)
		if err != nil {
			reject.Invoke(jsError("upsertDocument: %v", err))
			return
		}
		jsonBytes, _ := json.Marshal(res)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

func removeDocument(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("removeDocument requires 1 arg: id")
	}
	if idx == nil {
		return errorResult("removeDocument: engine not initialized")
	}
	res, err := idx.RemoveDocument(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(res)
}

func rehydrate(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("rehydrate requires 1 arg: workspaceId")
	}
	if idx == nil {
		return errorResult("rehydrate: engine not initialized")
	}
	n, err := idx.Rehydrate(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(map[string]int{"nodes": n})
}

// buildContext ranks the snapshot against a query.
// Args: query
// Returns: Promise<Context JSON>
func buildContext(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("buildContext requires 1 arg: query")
	}
	query := args[0].String()

	promise, resolve, reject := makePromise()
	go func() {
		if retrSvc == nil {
			reject.Invoke(jsError("buildContext: engine not initialized"))
			return
		}
		out := retrSvc.BuildContext(context.Background(), query)
		jsonBytes, _ := json.Marshal(out)
		resolve.Invoke(string(jsonBytes))
	}()
	return promise
}

// =============================================================================
// Entity CRUD
// =============================================================================

func upsertEntity(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("upsertEntity requires 1 arg: entityJSON")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	var e store.Entity
	if err := json.Unmarshal([]byte(args[0].String()), &e); err != nil {
		return errorResult("entity json: " + err.Error())
	}
	if err := sqlStore.UpsertEntity(&e); err != nil {
		return errorResult(err.Error())
	}
	return successResult("upserted " + e.ID)
}

func getEntity(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("getEntity requires 1 arg: id")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	e, err := sqlStore.GetEntity(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	if e == nil {
		return "null"
	}
	return jsonResult(e)
}

func deleteEntity(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("deleteEntity requires 1 arg: id")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	if err := sqlStore.DeleteEntity(args[0].String()); err != nil {
		return errorResult(err.Error())
	}
	return successResult("deleted")
}

// listEntities: [workspaceId string, entityType string (optional)]
func listEntities(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("listEntities requires 1+ args: workspaceId, [entityType]")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	entityType := ""
	if len(args) > 1 {
		entityType = args[1].String()
	}
	list, err := sqlStore.ListEntities(args[0].String(), entityType)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(list)
}

// =============================================================================
// Relationships
// =============================================================================

func upsertRelationship(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("upsertRelationship requires 1 arg: relationshipJSON")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	var r store.Relationship
	if err := json.Unmarshal([]byte(args[0].String()), &r); err != nil {
		return errorResult("relationship json: " + err.Error())
	}
	if err := sqlStore.UpsertRelationship(&r); err != nil {
		return errorResult(err.Error())
	}
	return successResult("upserted " + r.ID)
}

func deleteRelationship(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("deleteRelationship requires 1 arg: id")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	if err := sqlStore.DeleteRelationship(args[0].String()); err != nil {
		return errorResult(err.Error())
	}
	return successResult("deleted")
}

func entityRelationships(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("entityRelationships requires 1 arg: entityId")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	list, err := sqlStore.ListRelationshipsForEntity(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(list)
}

// =============================================================================
// Patch lifecycle
// =============================================================================

// patchPropose: [workspaceId, sourceRef, confidence, opsJSON]
func patchPropose(this js.Value, args []js.Value) interface{} {
	if len(args) < 4 {
		return errorResult("patchPropose requires 4 args: workspaceId, sourceRef, confidence, opsJSON")
	}
	if patchEng == nil {
		return errorResult("patchPropose: engine not initialized")
	}
	var ops []store.PatchOp
	if err := json.Unmarshal([]byte(args[3].String()), &ops); err != nil {
		return errorResult("ops json: " + err.Error())
	}
	p, err := patchEng.Propose(args[0].String(), args[1].String(), args[2].Float(), ops)
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(p)
}

func patchAccept(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("patchAccept requires 1 arg: patchId")
	}
	if patchEng == nil {
		return errorResult("patchAccept: engine not initialized")
	}
	results, err := patchEng.Accept(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(results)
}

func patchReject(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("patchReject requires 1 arg: patchId")
	}
	if patchEng == nil {
		return errorResult("patchReject: engine not initialized")
	}
	if err := patchEng.Reject(args[0].String()); err != nil {
		return errorResult(err.Error())
	}
	return successResult("rejected")
}

func patchPending(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("patchPending requires 1 arg: workspaceId")
	}
	if patchEng == nil {
		return errorResult("patchPending: engine not initialized")
	}
	list, err := patchEng.Pending(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(list)
}

func patchesForEntity(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("patchesForEntity requires 1 arg: entityId")
	}
	if patchEng == nil {
		return errorResult("patchesForEntity: engine not initialized")
	}
	entries, err := patchEng.ForEntity(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(entries)
}

func patchRebuildIndex(this js.Value, args []js.Value) interface{} {
	if patchEng == nil {
		return errorResult("patchRebuildIndex: engine not initialized")
	}
	if err := patchEng.RebuildIndex(); err != nil {
		return errorResult(err.Error())
	}
	return successResult("rebuilt")
}

// =============================================================================
// Mentions
// =============================================================================

// mentionsRebuild recompiles the scanner from stored entities.
// Args: [workspaceId string]
func mentionsRebuild(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("mentionsRebuild requires 1 arg: workspaceId")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	entities, err := sqlStore.ListEntities(args[0].String(), "")
	if err != nil {
		return errorResult(err.Error())
	}
	scanner, err = mentions.Compile(entities)
	if err != nil {
		return errorResult("compile: " + err.Error())
	}
	return jsonResult(map[string]int{"entities": len(entities)})
}

func mentionsScan(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("mentionsScan requires 1 arg: text")
	}
	if scanner == nil {
		return errorResult("mentionsScan: call mentionsRebuild first")
	}
	return jsonResult(scanner.Scan(args[0].String()))
}

// mentionsSuggest stages co-mention relationships as a pending patch.
// Args: [workspaceId, subjectEntityId, fragmentId, text, relType]
func mentionsSuggest(this js.Value, args []js.Value) interface{} {
	if len(args) < 5 {
		return errorResult("mentionsSuggest requires 5 args: workspaceId, subjectEntityId, fragmentId, text, relType")
	}
	if scanner == nil || patchEng == nil {
		return errorResult("mentionsSuggest: engine not initialized")
	}
	ops := scanner.SuggestRelationships(args[1].String(), args[3].String(), args[4].String())
	p, err := mentions.Stage(patchEng, args[0].String(), args[2].String(), ops)
	if err != nil {
		return errorResult(err.Error())
	}
	if p == nil {
		return "null"
	}
	return jsonResult(p)
}

// =============================================================================
// Cascades
// =============================================================================

func collectDescendants(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("collectDescendants requires 1 arg: rootId")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	ids, err := sqlStore.CollectDescendants(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(ids)
}

func deleteCascade(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("deleteCascade requires 1 arg: rootId")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	res, err := sqlStore.DeleteCascade(args[0].String())
	if err != nil {
		return errorResult(err.Error())
	}
	return jsonResult(res)
}

func deleteWorkspace(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return errorResult("deleteWorkspace requires 1 arg: workspaceId")
	}
	if sqlStore == nil {
		return errorResult("store not initialized")
	}
	if err := sqlStore.DeleteWorkspace(args[0].String()); err != nil {
		return errorResult(err.Error())
	}
	if snap != nil {
		snap.Hydrate(nil)
	}
	return successResult("workspace removed")
}
