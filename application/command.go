package application

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Opcodes of the numeric command form "<opcode>[ <argument>]".
const (
	OpQueryState     = 0
	OpSetValve       = 1
	OpRequestUpdate  = 2
	OpSetConfig      = 3
	OpAcknowledge    = 4
	OpClearEmergency = 5
	OpRestart        = 6
)

// Command is one decoded inbound instruction. The set of implementations is
// closed; Dispatch switches over all of them.
type Command interface {
	Name() string
	// CorrelationID is the sender's id for the command, echoed on the ack topic.
	CorrelationID() string
	isCommand()
}

type SetValve struct {
	ID   string
	Open bool
}

type RequestUpdate struct {
	ID      string
	Request UpdateRequest
}

type SetConfig struct {
	ID    string
	Patch ConfigPatch
}

type QueryState struct {
	ID string
}

// Acknowledge confirms delivery of an outbound status message.
type Acknowledge struct {
	ID        string
	MessageID string
}

type ClearEmergency struct {
	ID    string
	Token string
}

type Restart struct {
	ID string
}

func (SetValve) Name() string       { return "set_valve" }
func (RequestUpdate) Name() string  { return "request_update" }
func (SetConfig) Name() string      { return "set_config" }
func (QueryState) Name() string     { return "query_state" }
func (Acknowledge) Name() string    { return "acknowledge" }
func (ClearEmergency) Name() string { return "clear_emergency" }
func (Restart) Name() string        { return "restart" }

func (c SetValve) CorrelationID() string       { return c.ID }
func (c RequestUpdate) CorrelationID() string  { return c.ID }
func (c SetConfig) CorrelationID() string      { return c.ID }
func (c QueryState) CorrelationID() string     { return c.ID }
func (c Acknowledge) CorrelationID() string    { return c.ID }
func (c ClearEmergency) CorrelationID() string { return c.ID }
func (c Restart) CorrelationID() string        { return c.ID }

func (SetValve) isCommand()       {}
func (RequestUpdate) isCommand()  {}
func (SetConfig) isCommand()      {}
func (QueryState) isCommand()     {}
func (Acknowledge) isCommand()    {}
func (ClearEmergency) isCommand() {}
func (Restart) isCommand()        {}

type DecodeErrorKind int

const (
	UnknownCommand DecodeErrorKind = iota + 1
	BadPayload
	UnknownTopic
)

func (k DecodeErrorKind) String() string {
	switch k {
	case UnknownCommand:
		return "unknown_command"
	case BadPayload:
		return "bad_payload"
	case UnknownTopic:
		return "unknown_topic"
	default:
		return "unknown"
	}
}

type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Detail)
}

func unknownCommand(format string, args ...any) *DecodeError {
	return &DecodeError{Kind: UnknownCommand, Detail: fmt.Sprintf(format, args...)}
}

func badPayload(format string, args ...any) *DecodeError {
	return &DecodeError{Kind: BadPayload, Detail: fmt.Sprintf(format, args...)}
}

// Decoder turns payloads received on the command topic into Commands.
type Decoder struct {
	CommandTopic string
}

// Decode accepts three payload forms:
//
//	1 open                         numeric opcode and optional argument
//	cmd=valve;open=1;id=42         key-value text
//	{"cmd":"valve","open":true}    JSON object
//
// It never panics; every failure is a *DecodeError.
func (d Decoder) Decode(topic string, payload []byte) (cmd Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			cmd, err = nil, badPayload("panic while decoding: %v", r)
		}
	}()

	if d.CommandTopic != "" && topic != d.CommandTopic {
		return nil, &DecodeError{Kind: UnknownTopic, Detail: topic}
	}

	text := strings.TrimSpace(string(payload))
	switch {
	case text == "":
		return nil, badPayload("empty payload")
	case strings.HasPrefix(text, "{"):
		fields, err := jsonFields(payload)
		if err != nil {
			return nil, err
		}
		return commandFromFields(fields)
	case text[0] >= '0' && text[0] <= '9':
		return decodeOpcode(text)
	case strings.Contains(text, "="):
		fields, err := keyValueFields(text)
		if err != nil {
			return nil, err
		}
		return commandFromFields(fields)
	default:
		return nil, unknownCommand("unrecognised payload %q", truncate(text, 32))
	}
}

func decodeOpcode(text string) (Command, error) {
	head, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)

	op, err := strconv.Atoi(head)
	if err != nil {
		return nil, unknownCommand("opcode %q is not a number", truncate(head, 16))
	}

	switch op {
	case OpQueryState:
		return QueryState{}, nil
	case OpSetValve:
		open, err := parseValveArg(arg)
		if err != nil {
			return nil, err
		}
		return SetValve{Open: open}, nil
	case OpRequestUpdate:
		parts := strings.Fields(arg)
		if len(parts) == 0 {
			return nil, badPayload("update requires a url")
		}
		req := UpdateRequest{URL: parts[0]}
		if len(parts) > 1 {
			req.Version = parts[1]
		}
		if len(parts) > 2 {
			req.Checksum = parts[2]
		}
		if len(parts) > 3 {
			return nil, badPayload("update takes at most url, version and checksum")
		}
		return RequestUpdate{Request: req}, nil
	case OpSetConfig:
		fields, err := keyValueFields(arg)
		if err != nil {
			return nil, err
		}
		patch, err := configPatchFromFields(fields)
		if err != nil {
			return nil, err
		}
		return SetConfig{Patch: patch}, nil
	case OpAcknowledge:
		if arg == "" {
			return nil, badPayload("ack requires a message id")
		}
		return Acknowledge{MessageID: arg}, nil
	case OpClearEmergency:
		return ClearEmergency{Token: arg}, nil
	case OpRestart:
		return Restart{}, nil
	default:
		return nil, unknownCommand("opcode %d", op)
	}
}

func commandFromFields(fields map[string]string) (Command, error) {
	name, ok := fields["cmd"]
	if !ok {
		return nil, badPayload("missing cmd")
	}
	id := fields["id"]

	switch strings.ToLower(name) {
	case "query", "status", "query_state", strconv.Itoa(OpQueryState):
		return QueryState{ID: id}, nil

	case "valve", "set_valve", strconv.Itoa(OpSetValve):
		v, ok := fields["open"]
		if !ok {
			v, ok = fields["state"]
		}
		if !ok {
			return nil, badPayload("valve requires open")
		}
		open, err := parseValveArg(v)
		if err != nil {
			return nil, err
		}
		return SetValve{ID: id, Open: open}, nil

	case "update", "request_update", strconv.Itoa(OpRequestUpdate):
		req := UpdateRequest{
			URL:      fields["url"],
			Version:  fields["version"],
			Checksum: fields["checksum"],
		}
		if req.URL == "" {
			return nil, badPayload("update requires url")
		}
		if s, ok := fields["size"]; ok {
			size, err := strconv.ParseInt(s, 10, 64)
			if err != nil || size < 0 {
				return nil, badPayload("invalid size %q", s)
			}
			req.Size = size
		}
		return RequestUpdate{ID: id, Request: req}, nil

	case "config", "set_config", strconv.Itoa(OpSetConfig):
		rest := make(map[string]string, len(fields))
		for k, v := range fields {
			if k != "cmd" && k != "id" {
				rest[k] = v
			}
		}
		patch, err := configPatchFromFields(rest)
		if err != nil {
			return nil, err
		}
		return SetConfig{ID: id, Patch: patch}, nil

	case "ack", "acknowledge", strconv.Itoa(OpAcknowledge):
		msgID := fields["message_id"]
		if msgID == "" {
			msgID = fields["seq"]
		}
		if msgID == "" {
			return nil, badPayload("ack requires message_id")
		}
		return Acknowledge{ID: id, MessageID: msgID}, nil

	case "clear_emergency", strconv.Itoa(OpClearEmergency):
		return ClearEmergency{ID: id, Token: fields["token"]}, nil

	case "restart", "reset", strconv.Itoa(OpRestart):
		return Restart{ID: id}, nil

	default:
		return nil, unknownCommand("cmd %q", truncate(name, 32))
	}
}

func configPatchFromFields(fields map[string]string) (ConfigPatch, error) {
	var p ConfigPatch
	if len(fields) == 0 {
		return p, badPayload("config requires at least one key")
	}

	for key, value := range fields {
		v := value
		switch key {
		case "wifi_ssid":
			if v == "" {
				return p, badPayload("wifi_ssid is empty")
			}
			p.WifiSSID = &v
		case "wifi_password":
			p.WifiPassword = &v
		case "broker_host":
			if v == "" {
				return p, badPayload("broker_host is empty")
			}
			p.BrokerHost = &v
		case "broker_port":
			port, err := strconv.Atoi(v)
			if err != nil || port < 1 || port > 65535 {
				return p, badPayload("invalid broker_port %q", v)
			}
			p.BrokerPort = &port
		case "broker_username":
			p.BrokerUsername = &v
		case "broker_password":
			p.BrokerPassword = &v
		case "broker_tls":
			tls, err := strconv.ParseBool(v)
			if err != nil {
				return p, badPayload("invalid broker_tls %q", v)
			}
			p.BrokerTLS = &tls
		case "device_id":
			if strings.TrimSpace(v) == "" {
				return p, badPayload("device_id is empty")
			}
			p.DeviceID = &v
		case "topic_prefix":
			p.TopicPrefix = &v
		default:
			return p, badPayload("unknown config key %q", truncate(key, 32))
		}
	}
	return p, nil
}

func parseValveArg(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "on", "open", "true":
		return true, nil
	case "0", "off", "close", "closed", "false":
		return false, nil
	default:
		return false, badPayload("invalid valve state %q", truncate(s, 16))
	}
}

// keyValueFields parses "k=v;k=v". Pairs may also be separated by '&' or
// newlines.
func keyValueFields(text string) (map[string]string, error) {
	fields := map[string]string{}
	pairs := strings.FieldsFunc(text, func(r rune) bool {
		return r == ';' || r == '&' || r == '\n'
	})
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			return nil, badPayload("malformed pair %q", truncate(pair, 32))
		}
		if _, dup := fields[k]; dup {
			return nil, badPayload("duplicate key %q", k)
		}
		fields[k] = strings.TrimSpace(v)
	}
	if len(fields) == 0 {
		return nil, badPayload("no key-value pairs")
	}
	return fields, nil
}

func jsonFields(payload []byte) (map[string]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, badPayload("invalid json: %v", err)
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToLower(k)
		switch val := v.(type) {
		case string:
			fields[key] = val
		case bool:
			fields[key] = strconv.FormatBool(val)
		case float64:
			fields[key] = strconv.FormatFloat(val, 'f', -1, 64)
		case nil:
		default:
			return nil, badPayload("field %q must be a scalar", truncate(k, 32))
		}
	}
	return fields, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
