package main

import (
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"

	"github.com/fd0/lantls/store"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// openJournal opens the journal in dir and reports failed writes to log.
func openJournal(dir string, maxBody int64, log logrus.FieldLogger) (*store.TxnStore, error) {
	journal, err := store.NewTxnStore(dir)
	if err != nil {
		return nil, err
	}

	if maxBody > 0 {
		journal.MaxBodySize = maxBody
	}
	journal.OnUpdate = func(id uint64) {
		log.Debugf("journal: recorded exchange %d", id)
	}
	journal.OnError = func(id uint64, err error) {
		log.Warnf("journal: unable to record exchange %d: %v", id, err)
	}

	return journal, nil
}

// listJournal prints one line per recorded exchange.
func listJournal(w io.Writer, journal *store.TxnStore) error {
	summaries, err := journal.Summaries()
	if err != nil {
		return errors.Wrap(err, "read journal")
	}

	for _, s := range summaries {
		status := "-"
		if s.HasResponse {
			status = strconv.Itoa(s.StatusCode)
		}

		target := "?"
		if s.URL != nil {
			target = s.URL.RequestURI()
		}

		_, err := fmt.Fprintf(w, "%6d  %-7s %3s  %s%s\n", s.ID, s.Method, status, s.Host, target)
		if err != nil {
			return err
		}
	}

	return nil
}

// showExchange prints the recorded request and response for id.
func showExchange(w io.Writer, journal *store.TxnStore, id uint64) error {
	txn, err := journal.GetTxn(id)
	if err != nil {
		return errors.Wrapf(err, "exchange %d", id)
	}

	dump, err := httputil.DumpRequest(txn.Req, true)
	if err != nil {
		return errors.Wrap(err, "dump request")
	}
	_, err = w.Write(append(dump, '\n'))
	if err != nil {
		return err
	}

	if txn.Res == nil {
		_, err = io.WriteString(w, "(no response)\n")
		return err
	}

	dump, err = httputil.DumpResponse(txn.Res, true)
	if err != nil {
		return errors.Wrap(err, "dump response")
	}
	_, err = w.Write(append(dump, '\n'))
	return err
}
