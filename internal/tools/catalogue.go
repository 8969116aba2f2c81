package tools

import "encoding/json"

// Well-known tool names. Templates reference these by name; the concrete
// implementations are external (registered directly or discovered from MCP
// tool providers), but the names and argument shapes are fixed so generated
// templates and providers agree.
const (
	ToolSearchContacts       = "search_contacts"
	ToolCalendarAvailability = "get_calendar_availability"
	ToolSendEmail            = "send_email"
	ToolCreateCalendarEvent  = "create_calendar_event"
	ToolAddCRMNote           = "add_crm_note"
	ToolSearchEmailHistory   = "search_email_history"
)

// wellKnown describes the argument shape of each well-known tool, used as the
// catalogue entry when a provider supplies no schema of its own.
var wellKnown = map[string]Spec{
	ToolSearchContacts: {
		Name:        ToolSearchContacts,
		Description: "Search the user's contacts by name or email",
		InputSchema: objectSchema(`{"query":{"type":"string"}}`, "query"),
	},
	ToolCalendarAvailability: {
		Name:        ToolCalendarAvailability,
		Description: "Compute free/busy slots on the user's calendar for a time range",
		InputSchema: objectSchema(`{"start_time":{"type":"string"},"end_time":{"type":"string"},"duration_minutes":{"type":"integer"}}`, "start_time", "end_time"),
	},
	ToolSendEmail: {
		Name:        ToolSendEmail,
		Description: "Send an email from the user's account",
		InputSchema: objectSchema(`{"to":{"type":"string"},"subject":{"type":"string"},"body":{"type":"string"}}`, "to", "subject", "body"),
	},
	ToolCreateCalendarEvent: {
		Name:        ToolCreateCalendarEvent,
		Description: "Create an event on the user's calendar",
		InputSchema: objectSchema(`{"title":{"type":"string"},"attendee_email":{"type":"string"},"start_time":{"type":"string"},"duration_minutes":{"type":"integer"},"description":{"type":"string"}}`, "title", "start_time"),
	},
	ToolAddCRMNote: {
		Name:        ToolAddCRMNote,
		Description: "Attach a note to a CRM contact record",
		InputSchema: objectSchema(`{"contact":{"type":"string"},"note":{"type":"string"}}`, "note"),
	},
	ToolSearchEmailHistory: {
		Name:        ToolSearchEmailHistory,
		Description: "Retrieve prior email exchanges with a contact",
		InputSchema: objectSchema(`{"contact_email":{"type":"string"},"limit":{"type":"integer"}}`, "contact_email"),
	},
}

// WellKnownSpec returns the catalogue entry for a well-known tool name, or a
// bare Spec when the name is not one of the fixed set.
func WellKnownSpec(name string) Spec {
	if s, ok := wellKnown[name]; ok {
		return s
	}
	return Spec{Name: name}
}

func objectSchema(props string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	return json.RawMessage(`{"type":"object","properties":` + props + `,"required":` + string(req) + `}`)
}
