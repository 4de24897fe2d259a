// Package store keeps a journal of the requests forwarded by the proxy and
// the responses returned by the backend.
package store

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strconv"

	"github.com/dgraph-io/badger"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when there is no entry for an ID.
var ErrNotFound = badger.ErrKeyNotFound

// Txn represents a forwarded request and the response it produced. Res is nil
// if the backend did not answer.
type Txn struct {
	ID  uint64
	Req *http.Request
	Res *http.Response
}

// TxnSummary summarizes a Txn, such a summary can then be held in memory
// and the included ID can then be used to fetch the full content.
type TxnSummary struct {
	ID          uint64
	Host        string
	Method      string
	StatusCode  int
	URL         *url.URL
	HasResponse bool
}

// TxnStore is a key value store mapping IDs to request/response
// transactions.
type TxnStore struct {
	*badger.DB

	// MaxBodySize limits the number of body bytes recorded per message. The
	// whole body is still forwarded.
	MaxBodySize int64

	// OnUpdate is called after an entry has been written.
	OnUpdate func(uint64)
	// OnError is called when an entry could not be written after the body
	// has been passed on.
	OnError func(uint64, error)
}

// NewTxnStore opens or creates the store in storeDir.
func NewTxnStore(storeDir string) (*TxnStore, error) {
	opts := badger.DefaultOptions
	opts.Dir = storeDir
	opts.ValueDir = storeDir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %v", storeDir)
	}
	return &TxnStore{DB: db, MaxBodySize: DefaultMaxBodySize}, nil
}

// Close closes the underlying database gracefully.
func (s *TxnStore) Close() error {
	return s.DB.Close()
}

func (s *TxnStore) set(key Key, value []byte) error {
	err := s.Update(func(txn *badger.Txn) error {
		return txn.Set(key.Bytes(), value)
	})
	if err != nil {
		return err
	}
	if s.OnUpdate != nil {
		s.OnUpdate(key.ID)
	}
	return nil
}

// record replaces body with a recorder. The entry is written by store once
// the body has been consumed or closed.
func (s *TxnStore) record(id uint64, body io.ReadCloser, store func([]byte, int64) error) io.ReadCloser {
	return newBodyRecorder(body, s.MaxBodySize, func(buf []byte, dropped int64) {
		err := store(buf, dropped)
		if err != nil && s.OnError != nil {
			s.OnError(id, err)
		}
	})
}

func hasBody(body io.ReadCloser, contentLength int64) bool {
	return body != nil && body != http.NoBody && contentLength != 0
}

// AddRequest records the request headers and arranges for the body to be
// recorded while it is read. The entry is written when the body has been
// read or closed, so the request must be passed on with its new Body.
func (s *TxnStore) AddRequest(id uint64, req *http.Request) error {
	rec := req.Clone(context.Background())
	// stored in HTTP/1.1 wire format so that it can be parsed again
	rec.Proto, rec.ProtoMajor, rec.ProtoMinor = "HTTP/1.1", 1, 1
	rec.TransferEncoding = nil
	rec.Trailer = nil

	store := func(body []byte, dropped int64) error {
		rec.Header.Del("Content-Length")
		if len(body) > 0 {
			rec.Header.Set("Content-Length", strconv.Itoa(len(body)))
		}
		if dropped > 0 {
			rec.Header.Set(TruncatedHeader, strconv.FormatInt(dropped, 10))
		}
		rec.ContentLength = int64(len(body))
		rec.Body = io.NopCloser(bytes.NewReader(body))

		dump, err := httputil.DumpRequest(rec, true)
		if err != nil {
			return errors.Wrap(err, "dump request")
		}
		return s.set(Key{ID: id, Type: ReqType}, dump)
	}

	if !hasBody(req.Body, req.ContentLength) {
		return store(nil, 0)
	}

	req.Body = s.record(id, req.Body, store)
	return nil
}

// AddResponse records the response headers and arranges for the body to be
// recorded while it is read, like AddRequest.
func (s *TxnStore) AddResponse(id uint64, res *http.Response) error {
	rec := *res
	rec.Header = res.Header.Clone()
	rec.Proto, rec.ProtoMajor, rec.ProtoMinor = "HTTP/1.1", 1, 1
	rec.TransferEncoding = nil
	rec.Trailer = nil
	rec.Request = nil

	store := func(body []byte, dropped int64) error {
		if dropped > 0 {
			rec.Header.Set(TruncatedHeader, strconv.FormatInt(dropped, 10))
		}
		rec.ContentLength = int64(len(body))
		rec.Body = io.NopCloser(bytes.NewReader(body))

		dump, err := httputil.DumpResponse(&rec, true)
		if err != nil {
			return errors.Wrap(err, "dump response")
		}
		return s.set(Key{ID: id, Type: ResType}, dump)
	}

	if !hasBody(res.Body, res.ContentLength) {
		return store(nil, 0)
	}

	res.Body = s.record(id, res.Body, store)
	return nil
}

// GetRequest fetches the request with the specified ID from the store.
func (s *TxnStore) GetRequest(id uint64) (*http.Request, error) {
	var req *http.Request
	err := s.entry(Key{ID: id, Type: ReqType}, readRequest(&req))
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetResponse fetches the response with the specified ID from the store.
func (s *TxnStore) GetResponse(id uint64) (*http.Response, error) {
	var res *http.Response
	err := s.entry(Key{ID: id, Type: ResType}, readResponse(&res))
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetTxn returns the transaction for the given ID.
func (s *TxnStore) GetTxn(id uint64) (*Txn, error) {
	req, err := s.GetRequest(id)
	if err != nil {
		return nil, err
	}
	res, err := s.GetResponse(id)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	return &Txn{
		ID:  id,
		Req: req,
		Res: res,
	}, nil
}

// MaxID returns the highest ID stored.
func (s *TxnStore) MaxID() (max uint64, e error) {
	err := s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		// no prefetch need for key only iteration
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key, err := ParseKey(it.Item().Key())
			if err != nil {
				return err
			}
			if key.ID > max {
				max = key.ID
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return max, nil
}

// Summaries returns a TxnSummary for every transaction in the store, ordered
// by ID.
func (s *TxnStore) Summaries() ([]*TxnSummary, error) {
	summaryMap := make(map[uint64]*TxnSummary)

	err := s.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, err := ParseKey(item.Key())
			if err != nil {
				return err
			}

			summary, ok := summaryMap[key.ID]
			if !ok {
				summary = &TxnSummary{ID: key.ID}
				summaryMap[key.ID] = summary
			}

			switch key.Type {
			case ReqType:
				var req *http.Request
				err := parseItem(item, readRequest(&req))
				if err != nil {
					return errors.Wrapf(err, "request %d", key.ID)
				}

				summary.Host = req.Host
				summary.Method = req.Method
				summary.URL = req.URL
			case ResType:
				var res *http.Response
				err := parseItem(item, readResponse(&res))
				if err != nil {
					return errors.Wrapf(err, "response %d", key.ID)
				}

				summary.HasResponse = true
				summary.StatusCode = res.StatusCode
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]*TxnSummary, 0, len(summaryMap))
	for k := range summaryMap {
		summaries = append(summaries, summaryMap[k])
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}
