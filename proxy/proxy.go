// Package proxy serves collected hub tables over the Postgres wire protocol.
// Tables live in an in-memory DuckDB database; clients such as psql can run
// read-only SQL against them.
package proxy

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/marcboeker/go-duckdb"

	"hubdata/query"
)

// ErrReadOnly is returned for statements that would modify the database.
var ErrReadOnly = errors.New("hub tables are read-only")

type Server struct {
	db       *sql.DB
	listener net.Listener
	logger   *slog.Logger

	mu     sync.Mutex // serializes Load
	tables map[string]int64
}

// New opens an in-memory DuckDB database and listens on addr.
func New(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("opening duckdb: %w", err)
	}
	db := sql.OpenDB(connector)

	// Clients must not reach the host filesystem or network through SQL.
	if _, err := db.Exec("SET enable_external_access = false"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring duckdb: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating listener: %w", err)
	}

	return &Server{
		db:       db,
		listener: listener,
		logger:   logger.With("component", "proxy"),
		tables:   make(map[string]int64),
	}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Load replaces table name with the rows of t in one transaction, so
// concurrent queries see either the old or the new rows.
func (s *Server) Load(ctx context.Context, name string, t *query.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return fmt.Errorf("load %s: begin: %w", name, err)
	}
	rollback := func(err error) error {
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		return fmt.Errorf("load %s: %w", name, err)
	}

	if _, err := conn.ExecContext(ctx, createTableSQL(name, t)); err != nil {
		return rollback(fmt.Errorf("create table: %w", err))
	}

	err = conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}
		appender, err := duckdb.NewAppenderFromConn(driverConn, "", name)
		if err != nil {
			return fmt.Errorf("create appender: %w", err)
		}
		values := make([]driver.Value, len(t.Columns()))
		for row := range t.Rows() {
			for i, v := range row {
				values[i] = v
			}
			if err := appender.AppendRow(values...); err != nil {
				_ = appender.Close()
				return fmt.Errorf("append row: %w", err)
			}
		}
		return appender.Close()
	})
	if err != nil {
		return rollback(err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return rollback(fmt.Errorf("commit: %w", err))
	}
	s.tables[name] = t.NumRows()
	s.logger.Info("table loaded", "table", name, "rows", t.NumRows())
	return nil
}

// Tables returns the loaded tables and their row counts.
func (s *Server) Tables() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.tables))
	for k, v := range s.tables {
		out[k] = v
	}
	return out
}

// Serve accepts connections until ctx is done or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	s.logger.Info("listening", "addr", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		go s.handleConnection(ctx, conn)
	}
}

// Close stops listening and closes the database.
func (s *Server) Close() error {
	lerr := s.listener.Close()
	if errors.Is(lerr, net.ErrClosed) {
		lerr = nil
	}
	return errors.Join(lerr, s.db.Close())
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.logger.With("remote", conn.RemoteAddr().String())

	backend := pgproto3.NewBackend(conn, conn)
	if err := s.startup(conn, backend); err != nil {
		log.Debug("startup failed", "error", err)
		return
	}

	for {
		msg, err := backend.Receive()
		if err != nil {
			return
		}

		switch msg := msg.(type) {
		case *pgproto3.Query:
			if err := s.handleQuery(ctx, backend, msg.String); err != nil {
				log.Debug("query failed", "error", err)
				s.sendError(backend, err)
			}
		case *pgproto3.Terminate:
			return
		default:
			s.sendError(backend, fmt.Errorf("unsupported message %T: only simple queries are served", msg))
		}
	}
}

// startup answers an optional SSL request with "no" and accepts any user.
func (s *Server) startup(conn net.Conn, backend *pgproto3.Backend) error {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return err
		}
		switch msg.(type) {
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte("N")); err != nil {
				return err
			}
			continue
		case *pgproto3.StartupMessage:
		default:
			return fmt.Errorf("unexpected startup message %T", msg)
		}
		break
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	backend.Send(&pgproto3.ParameterStatus{Name: "server_version", Value: "14.0"})
	backend.Send(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"})
	backend.Send(&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO, MDY"})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

func (s *Server) handleQuery(ctx context.Context, backend *pgproto3.Backend, sqlText string) error {
	if strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sqlText), ";")) == "" {
		backend.Send(&pgproto3.EmptyQueryResponse{})
		backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		return backend.Flush()
	}
	if err := checkReadOnly(sqlText); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, sqlText)
	if err != nil {
		return err
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	backend.Send(rowDescription(columnTypes))

	values := make([]any, len(columnTypes))
	scanArgs := make([]any, len(columnTypes))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	var n int
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return err
		}
		dataRow := &pgproto3.DataRow{Values: make([][]byte, len(columnTypes))}
		for i, val := range values {
			dataRow.Values[i] = encodeText(val)
		}
		backend.Send(dataRow)
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	backend.Send(&pgproto3.CommandComplete{CommandTag: []byte(fmt.Sprintf("SELECT %d", n))})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	return backend.Flush()
}

func (s *Server) sendError(backend *pgproto3.Backend, err error) {
	code := "XX000"
	if errors.Is(err, ErrReadOnly) {
		code = "25006" // read_only_sql_transaction
	}
	backend.Send(&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  err.Error(),
	})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	_ = backend.Flush()
}
