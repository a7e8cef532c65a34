package server_test

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/oplog"
)

func insert(projectID, text string) map[string]any {
	return map[string]any{
		"type": "insert", "file": "a.txt", "line": 1, "column": 0,
		"text": text, "author": "e2e", "projectId": projectID,
	}
}

func broadcastOf(ev event) oplog.Operation {
	var op oplog.Operation
	Expect(json.Unmarshal(ev.Data, &op)).To(Succeed())
	return op
}

var _ = Describe("Operation broadcast across instances", func() {
	var (
		first, second string
		a, b, c       *client
	)

	BeforeEach(func() {
		cl := newCluster()
		first = cl.start()
		second = cl.start()

		a = dialNative(first)
		b = openStream(second)
		c = dialNative(first)

		a.join("P1")
		b.join("P1")
		st := c.join("P1")
		Expect(st.UsersOnline).To(ConsistOf(a.id, c.id))
	})

	It("acknowledges the submitter and broadcasts once to everyone else", func() {
		a.send(collab.TypeOperation, insert("P1", "hi"))

		var ack collab.OperationAck
		Expect(json.Unmarshal(a.await(collab.TypeOperationAck).Data, &ack)).To(Succeed())
		Expect(ack.Version).To(Equal(int64(1)))

		Expect(broadcastOf(b.await(collab.TypeBroadcast)).ID).To(Equal(ack.OperationID))
		Expect(broadcastOf(c.await(collab.TypeBroadcast)).ID).To(Equal(ack.OperationID))

		a.quiet(collab.TypeBroadcast, 200*time.Millisecond)
		b.quiet(collab.TypeBroadcast, 50*time.Millisecond)
		c.quiet(collab.TypeBroadcast, 50*time.Millisecond)
	})

	It("assigns distinct consecutive versions to concurrent submissions on both instances", func() {
		a.send(collab.TypeOperation, insert("P1", "from a"))
		b.send(collab.TypeOperation, insert("P1", "from b"))

		var ackA, ackB collab.OperationAck
		Expect(json.Unmarshal(a.await(collab.TypeOperationAck).Data, &ackA)).To(Succeed())
		Expect(json.Unmarshal(b.await(collab.TypeOperationAck).Data, &ackB)).To(Succeed())
		Expect([]int64{ackA.Version, ackB.Version}).To(ConsistOf(int64(1), int64(2)))

		seen := []int64{
			broadcastOf(c.await(collab.TypeBroadcast)).Version,
			broadcastOf(c.await(collab.TypeBroadcast)).Version,
		}
		Expect(seen).To(ConsistOf(int64(1), int64(2)))
	})

	It("lets a late joiner catch up with sync-request", func() {
		for _, text := range []string{"1", "2", "3"} {
			a.send(collab.TypeOperation, insert("P1", text))
			a.await(collab.TypeOperationAck)
		}

		late := openStream(first)
		Expect(late.join("P1").Version).To(Equal(int64(3)))
		late.send(collab.TypeSyncRequest, map[string]any{"projectId": "P1", "lastKnownVersion": 1})

		var res collab.SyncResponse
		Expect(json.Unmarshal(late.await(collab.TypeSyncResponse).Data, &res)).To(Succeed())
		Expect(res.CurrentVersion).To(Equal(int64(3)))
		Expect(res.Complete).To(BeTrue())
		Expect(res.Operations).To(HaveLen(2))
		Expect(res.Operations[0].Version).To(Equal(int64(2)))
	})

	It("broadcasts operations submitted over REST", func() {
		resp, err := http.Post(second+"/api/v1/operations", "application/json",
			strings.NewReader(`{"type":"delete","file":"a.txt","line":0,"column":0,"text":"x","projectId":"P1"}`))
		Expect(err).NotTo(HaveOccurred())
		_ = resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		for _, cl := range []*client{a, b, c} {
			op := broadcastOf(cl.await(collab.TypeBroadcast))
			Expect(op.Type).To(Equal(oplog.Delete))
			Expect(op.Author).To(Equal(oplog.AnonymousAuthor))
		}
	})

	It("announces departures to the remaining members", func() {
		c.send(collab.TypeLeaveProject, "P1")
		c.await(collab.TypeLeaveProjectAck)

		// a still holds the notification from c joining.
		var st collab.ProjectState
		Expect(json.Unmarshal(a.await(collab.TypeProjectState).Data, &st)).To(Succeed())
		Expect(st.UsersOnline).To(ConsistOf(a.id, c.id))
		Expect(json.Unmarshal(a.await(collab.TypeProjectState).Data, &st)).To(Succeed())
		Expect(st.UsersOnline).To(ConsistOf(a.id))
	})
})
