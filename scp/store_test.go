package scp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imaging-tech-hub/dicom-proxy/dicom"
	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/interfaces"
	"github.com/imaging-tech-hub/dicom-proxy/phi"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
	"github.com/imaging-tech-hub/dicom-proxy/staging"
	"github.com/imaging-tech-hub/dicom-proxy/types"
)

type fakeNodes struct {
	byPeer *repo.NodeConfig
	byAE   *repo.NodeConfig
}

func (f *fakeNodes) FindByAETitleAndPeer(callingAETitle, peerIP string) *repo.NodeConfig {
	return f.byPeer
}

func (f *fakeNodes) FindActiveByAETitle(aeTitle string) *repo.NodeConfig {
	return f.byAE
}

type fakeInstanceStore struct {
	storeFn func(ds *dicom.Dataset, studyPHI, seriesPHI map[string]string) (*repo.Session, *repo.Scan, error)
	readFn  func(scan *repo.Scan) ([]staging.StoredInstance, error)
}

func (f *fakeInstanceStore) StoreDicomFile(ds *dicom.Dataset, studyPHI, seriesPHI map[string]string) (*repo.Session, *repo.Scan, error) {
	return f.storeFn(ds, studyPHI, seriesPHI)
}

func (f *fakeInstanceStore) ReadSeriesInstances(scan *repo.Scan) ([]staging.StoredInstance, error) {
	if f.readFn == nil {
		return nil, nil
	}
	return f.readFn(scan)
}

func publicMode() repo.ProxyMode { return repo.ModePublic }

func anonEnabled() bool  { return true }
func anonDisabled() bool { return false }

func baseDataset() *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.AddElement(tagStudyInstanceUID, dicom.VR_UI, "1.2.3.study")
	ds.AddElement(tagSeriesInstanceUID, dicom.VR_UI, "1.2.3.series")
	ds.AddElement(tagSOPInstanceUID, dicom.VR_UI, "1.2.3.instance")
	return ds
}

type fakeAnonymizer struct {
	result *phi.Result
	err    error
	called bool
}

func (f *fakeAnonymizer) Anonymize(ds *dicom.Dataset) (*phi.Result, error) {
	f.called = true
	return f.result, f.err
}

func (f *fakeAnonymizer) ResolveDataset(ds *dicom.Dataset, session *repo.Session, scan *repo.Scan) error {
	return nil
}

func (f *fakeAnonymizer) ResolveToAnonymous(originalNameOrID string) (string, error) {
	return "", nil
}

type fakeActivity struct {
	studyUID string
}

func (f *fakeActivity) UpdateActivity(studyUID string) { f.studyUID = studyUID }

func TestStoreHandler_RejectsUnauthorizedCaller(t *testing.T) {
	h := &StoreHandler{cfg: Config{
		Mode:  func() repo.ProxyMode { return repo.ModePrivate },
		Nodes: &fakeNodes{},
	}}

	msg := &types.Message{AffectedSOPClassUID: types.CTImageStorage, AffectedSOPInstanceUID: "1.2.3.instance"}
	resp, ds, err := h.HandleDIMSE(context.Background(), msg, nil, interfaces.MessageContext{CallingAETitle: "UNKNOWN"})

	require.NoError(t, err)
	require.Nil(t, ds)
	require.Equal(t, proxyerrors.StatusNotAuthorized, resp.Status)
}

func TestStoreHandler_RejectsDisallowedSOPClass(t *testing.T) {
	h := &StoreHandler{cfg: Config{Mode: publicMode, Nodes: &fakeNodes{}}}

	msg := &types.Message{AffectedSOPClassUID: "1.2.840.10008.5.1.4.1.1.1", AffectedSOPInstanceUID: "inst"}
	resp, _, err := h.HandleDIMSE(context.Background(), msg, nil, interfaces.MessageContext{})

	require.NoError(t, err)
	require.NotEqual(t, uint16(types.StatusSuccess), resp.Status)
}

func TestStoreHandler_RejectsMissingIdentifiers(t *testing.T) {
	h := &StoreHandler{cfg: Config{Mode: publicMode, Nodes: &fakeNodes{}}}
	ds := dicom.NewDataset() // no identifiers at all

	msg := &types.Message{AffectedSOPClassUID: types.CTImageStorage, AffectedSOPInstanceUID: "inst"}
	resp, _, err := h.HandleDIMSE(context.Background(), msg, nil, interfaces.MessageContext{Dataset: ds})

	require.NoError(t, err)
	require.Equal(t, proxyerrors.StatusIdentifierDoesNotMatch, resp.Status)
}

func TestStoreHandler_SkipsAnonymizationWhenDisabled(t *testing.T) {
	anonymizer := &fakeAnonymizer{}
	var storedPHI map[string]string
	instances := &fakeInstanceStore{
		storeFn: func(ds *dicom.Dataset, studyPHI, seriesPHI map[string]string) (*repo.Session, *repo.Scan, error) {
			storedPHI = studyPHI
			return &repo.Session{StudyInstanceUID: "1.2.3.study"}, &repo.Scan{}, nil
		},
	}
	activity := &fakeActivity{}

	h := &StoreHandler{cfg: Config{
		Mode:                 publicMode,
		AnonymizationEnabled: anonDisabled,
		Nodes:                &fakeNodes{},
		Instances:            instances,
		Anonymizer:           anonymizer,
		Activity:             activity,
	}}

	msg := &types.Message{AffectedSOPClassUID: types.CTImageStorage, AffectedSOPInstanceUID: "1.2.3.instance"}
	resp, _, err := h.HandleDIMSE(context.Background(), msg, nil, interfaces.MessageContext{Dataset: baseDataset()})

	require.NoError(t, err)
	require.Equal(t, uint16(types.StatusSuccess), resp.Status)
	require.False(t, anonymizer.called)
	require.Nil(t, storedPHI)
	require.Equal(t, "1.2.3.study", activity.studyUID)
}

func TestStoreHandler_AnonymizesWhenEnabled(t *testing.T) {
	anonymizer := &fakeAnonymizer{result: &phi.Result{
		StudyPHI:  map[string]string{"PatientName": "Doe^John"},
		SeriesPHI: map[string]string{},
	}}
	instances := &fakeInstanceStore{
		storeFn: func(ds *dicom.Dataset, studyPHI, seriesPHI map[string]string) (*repo.Session, *repo.Scan, error) {
			require.Equal(t, "Doe^John", studyPHI["PatientName"])
			return &repo.Session{StudyInstanceUID: "1.2.3.study"}, &repo.Scan{}, nil
		},
	}

	h := &StoreHandler{cfg: Config{
		Mode:                 publicMode,
		AnonymizationEnabled: anonEnabled,
		Nodes:                &fakeNodes{},
		Instances:            instances,
		Anonymizer:           anonymizer,
		Activity:             &fakeActivity{},
	}}

	msg := &types.Message{AffectedSOPClassUID: types.CTImageStorage, AffectedSOPInstanceUID: "1.2.3.instance"}
	resp, _, err := h.HandleDIMSE(context.Background(), msg, nil, interfaces.MessageContext{Dataset: baseDataset()})

	require.NoError(t, err)
	require.Equal(t, uint16(types.StatusSuccess), resp.Status)
	require.True(t, anonymizer.called)
}
