// Package testing provides scripted PostgreSQL servers for exercising
// store-backed code without a real database. Scripts are built from pgmock
// steps; the helpers here cover the handful of message shapes the probes
// and the fixture lifecycle produce.
package testing

import (
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// PostgreSQL type OIDs used in row descriptions.
const (
	OIDInt4    = 23
	OIDText    = 25
	OIDVarchar = 1043
)

// MockServer wraps pgmock.Script with a loopback listener.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer listens on a random loopback port. The script does not run
// until Serve or Start is called.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the address the mock server is listening on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// ConnString returns a DSN for the mock server. Statements go over the simple
// query protocol so scripts only need to expect Query messages. Arguments are
// interpolated client-side in that mode, so scripts should only expect
// statements issued without arguments.
func (m *MockServer) ConnString() string {
	return fmt.Sprintf("postgres://probe@%s/probe?sslmode=disable&default_query_exec_mode=simple_protocol", m.Addr())
}

// Serve accepts a single connection and runs the mock script.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Start runs Serve in a goroutine. The returned channel yields the script
// result once the client disconnects.
func (m *MockServer) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Serve()
	}()
	return errCh
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// AcceptConnSteps returns steps for accepting an unauthenticated connection.
func AcceptConnSteps() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// Script concatenates step groups, prefixed by the connection handshake and
// terminated by a wait for the client to close.
func Script(groups ...[]pgmock.Step) []pgmock.Step {
	steps := AcceptConnSteps()
	for _, g := range groups {
		steps = append(steps, g...)
	}
	return append(steps, WaitForClose())
}

// ExpectQuery returns a step that expects a simple query message.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// Field describes a text-format result column.
func Field(name string, oid uint32) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  oid,
		DataTypeSize: -1,
		TypeModifier: -1,
		Format:       0,
	}
}

// SendRowDescription returns a step that sends column metadata.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow returns a step that sends a row of data.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete returns a step that sends command completion.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that sends ready for query status.
// status should be 'I' (idle), 'T' (in transaction), or 'E' (error).
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendError returns a step that sends an error response.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose returns a step that waits for connection close.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// SimpleQuerySteps expects query and completes it with tag.
func SimpleQuerySteps(query string, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	}
}

// FailedQuerySteps expects query and answers with an ERROR carrying code.
func FailedQuerySteps(query, code, message string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendError("ERROR", code, message),
		SendReadyForQuery('I'),
	}
}

// SelectSteps expects query and answers with the given rows.
func SelectSteps(query string, fields []pgproto3.FieldDescription, rows [][][]byte) []pgmock.Step {
	steps := []pgmock.Step{
		ExpectQuery(query),
		SendRowDescription(fields),
	}
	for _, row := range rows {
		steps = append(steps, SendDataRow(row))
	}
	steps = append(steps,
		SendCommandComplete(fmt.Sprintf("SELECT %d", len(rows))),
		SendReadyForQuery('I'),
	)
	return steps
}
