package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/caio-sobreiro/dicomqr/client"
	dicomerrors "github.com/caio-sobreiro/dicomqr/errors"
	"github.com/caio-sobreiro/dicomqr/query"
	"github.com/caio-sobreiro/dicomqr/retrieve"
	"github.com/caio-sobreiro/dicomqr/session"
	"github.com/caio-sobreiro/dicomqr/types"
)

func runEcho(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("echo", flag.ExitOnError)
	_ = fs.Parse(args)

	ok, err := a.session.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("C-ECHO was not answered with success")
	}
	fmt.Printf("%s at %s:%d answered C-ECHO\n", a.cfg.Remote.AETitle, a.cfg.Remote.Host, a.cfg.Remote.Port)
	return nil
}

func runFind(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("find", flag.ExitOnError)
	var c query.Criteria
	var from, to string
	var instances bool
	fs.StringVar(&c.PatientName, "name", "", "patient name, * and ? wildcards")
	fs.StringVar(&c.PatientID, "id", "", "patient ID")
	fs.StringVar(&c.PatientBirthDate, "birth", "", "birth date YYYYMMDD")
	fs.StringVar(&from, "from", "", "first study date YYYYMMDD")
	fs.StringVar(&to, "to", "", "last study date YYYYMMDD")
	fs.StringVar(&c.StudyInstanceUID, "study", "", "study instance UID")
	fs.StringVar(&c.SeriesInstanceUID, "series", "", "series instance UID")
	fs.StringVar(&c.Modality, "modality", "", "modality")
	fs.StringVar(&c.SeriesDescription, "desc", "", "series description, wildcards allowed")
	fs.BoolVar(&instances, "instances", false, "list the SOP instance UIDs of every series")
	_ = fs.Parse(args)

	switch {
	case from != "" && to != "":
		c.StudyDate = from + "-" + to
	case from != "" || to != "":
		return fmt.Errorf("%w: -from and -to go together", dicomerrors.ErrInvalidRequest)
	}

	found, err := a.session.Query(ctx, c)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATIENT\tID\tDATE\tMODALITY\tDESCRIPTION\tIMAGES\tOFFSET\tSERIES UID")
	for i := range found {
		d := &found[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			d.PatientName, d.PatientID, d.StudyDate, d.Modality, d.SeriesDescription,
			d.NumberOfInstances, d.FirstInstanceNumberOffset, d.SeriesInstanceUID)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if !instances {
		return nil
	}
	for i := range found {
		d := &found[i]
		if err := a.session.ListInstances(ctx, d); err != nil {
			return fmt.Errorf("list instances of %s: %w", d.SeriesInstanceUID, err)
		}
		fmt.Printf("\n%s\n", d.SeriesInstanceUID)
		for n, uid := range d.SOPInstanceUIDs {
			fmt.Printf("  %4d  %s\n", d.InstanceNumber(n), uid)
		}
	}
	return nil
}

func runRetrieve(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("retrieve", flag.ExitOnError)
	method := fs.String("method", a.cfg.Retrieve.Method, "move or get")
	instance := fs.String("instance", "", "retrieve one SOP instance of the single series given")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: dicomqr retrieve [-method move|get] [-instance uid] series-uid ...")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	m, err := retrieve.ParseMethod(*method)
	if err != nil {
		return err
	}
	var req retrieve.Request
	switch {
	case *instance != "" && fs.NArg() == 1:
		req = retrieve.InstanceRequest(m, fs.Arg(0), *instance)
	case *instance != "":
		return fmt.Errorf("%w: -instance needs exactly one series UID", dicomerrors.ErrInvalidRequest)
	default:
		req = retrieve.SeriesRequest(m, fs.Args()...)
	}

	result, err := a.session.Retrieve(ctx, req)
	if result != nil {
		printRetrieve(result)
	}
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("%d of %d identifiers failed", len(result.Failed), len(req.Identifiers))
	}
	return nil
}

func printRetrieve(r *retrieve.Result) {
	ops := r.SubOperations
	fmt.Printf("%s: %d identifiers succeeded, %d failed; sub-operations completed=%d failed=%d warning=%d\n",
		r.Method, len(r.Succeeded), len(r.Failed), ops.Completed, ops.Failed, ops.Warning)
	for _, f := range r.Failed {
		fmt.Printf("  failed %s: %v\n", f.Identifier, f.Err)
	}
}

func runPush(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("%w: no files given", dicomerrors.ErrInvalidRequest)
	}

	objects := make([]*client.CStoreRequest, 0, fs.NArg())
	for _, path := range fs.Args() {
		// #nosec G304 -- paths come from the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		objects = append(objects, &client.CStoreRequest{Data: data})
	}

	result, err := a.session.Push(ctx, objects, func(p session.PushProgress) {
		outcome := "stored"
		switch {
		case p.Err != nil:
			outcome = p.Err.Error()
		case !types.IsSuccessStatus(p.Status) && !types.IsWarningStatus(p.Status):
			outcome = fmt.Sprintf("refused 0x%04X", p.Status)
		}
		fmt.Printf("[%d/%d] %s %s\n", p.Index+1, p.Total, fs.Arg(p.Index), outcome)
	})
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("%d of %d objects were not stored", len(result.Failed), len(objects))
	}
	return nil
}

func runListen(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	_ = fs.Parse(args)

	if err := a.session.StartListener(); err != nil {
		return err
	}
	l := a.session.Listener()
	a.logger.Info().Str("address", l.Addr().String()).Str("ae", strings.TrimSpace(a.cfg.Move.AETitle)).Msg("Waiting for objects")

	<-ctx.Done()
	return l.Stop()
}
