package internal

import (
	"reflect"
	"sync"

	"github.com/invopop/jsonschema"
)

// protocolDefinitions kind 對應的 payload 型別
//
// 伺服器與客戶端共用 update、finish、ready 等 kind，以方向區分。
var protocolDefinitions = []struct {
	name string
	typ  any
}{
	// 伺服器 → 客戶端（快速配對）
	{"server.joined", JoinedPayload{}},
	{"server.start", StartPayload{}},
	{"server.race.update", RaceUpdatePayload{}},
	{"server.race.finish", RaceFinishPayload{}},
	{"server.timeout", TimeoutPayload{}},
	{"server.disconnect", DisconnectPayload{}},

	// 伺服器 → 客戶端（房間）
	{"server.init", InitPayload{}},
	{"server.join", JoinPayload{}},
	{"server.leave", LeavePayload{}},
	{"server.ready", ReadyPayload{}},
	{"server.notReady", NotReadyPayload{}},
	{"server.prepare", PreparePayload{}},
	{"server.room.update", RoomUpdatePayload{}},
	{"server.room.finish", RoomFinishPayload{}},
	{"server.error", ErrorPayload{}},

	// 客戶端 → 伺服器
	{"client.race.update", raceUpdateRequest{}},
	{"client.race.finish", raceFinishRequest{}},
	{"client.room.update", roomUpdateRequest{}},
	{"client.room.finish", roomFinishRequest{}},
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
)

// ProtocolSchema 訊息協議的 JSON schema（每種 payload 一個定義）
func ProtocolSchema() *jsonschema.Schema {
	schemaOnce.Do(func() {
		schema = buildProtocolSchema()
	})
	return schema
}

func buildProtocolSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}

	defs := make(jsonschema.Definitions, len(protocolDefinitions))
	for _, d := range protocolDefinitions {
		s := reflector.ReflectFromType(reflect.TypeOf(d.typ))
		s.Version = ""
		s.Title = d.name
		defs[d.name] = s
	}

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Typing Race Protocol",
		Description: `Every frame is {"kind": string, "payload": object}; payload shapes are listed under $defs by direction and kind.`,
		Type:        "object",
		Required:    []string{"kind", "payload"},
		Definitions: defs,
	}
}
