package store

import (
	"bufio"
	"bytes"
	"net/http"

	"github.com/dgraph-io/badger"
)

// entry looks up key and hands the stored message to parse.
func (s *TxnStore) entry(key Key, parse func(*bufio.Reader) error) error {
	return s.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key.Bytes())
		if err != nil {
			return err
		}
		return parseItem(item, parse)
	})
}

// parseItem copies the value, since badger's buffer is only valid during the
// transaction and the parsed body is read after it has ended.
func parseItem(item *badger.Item, parse func(*bufio.Reader) error) error {
	buf, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	return parse(bufio.NewReader(bytes.NewReader(buf)))
}

func readRequest(req **http.Request) func(*bufio.Reader) error {
	return func(rd *bufio.Reader) (err error) {
		*req, err = http.ReadRequest(rd)
		return err
	}
}

func readResponse(res **http.Response) func(*bufio.Reader) error {
	return func(rd *bufio.Reader) (err error) {
		*res, err = http.ReadResponse(rd, nil)
		return err
	}
}
