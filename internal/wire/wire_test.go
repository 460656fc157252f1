package wire

import "testing"

func TestConnMsgRoundTrip(t *testing.T) {
	t.Parallel()

	var m ConnMsg
	m.Type = MsgConn
	m.LocalCommID = 7
	m.RemoteCommID = 99
	m.NumRails = 2
	m.SetEpName(0, []byte("rail-0-ep-name"))
	m.SetEpName(1, []byte("rail-1-ep-name"))

	got, err := DecodeConnMsg(m.Encode())
	if err != nil {
		t.Fatalf("DecodeConnMsg: %v", err)
	}
	if got.Type != MsgConn || got.LocalCommID != 7 || got.RemoteCommID != 99 || got.NumRails != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.EpName(0)) != "rail-0-ep-name" {
		t.Fatalf("EpName(0) = %q", got.EpName(0))
	}
	if string(got.EpName(1)) != "rail-1-ep-name" {
		t.Fatalf("EpName(1) = %q", got.EpName(1))
	}
}

func TestCtrlMsgRoundTrip(t *testing.T) {
	t.Parallel()

	m := CtrlMsg{
		RemoteCommID: 42,
		MsgSeqNum:    513,
		BuffAddr:     0xdeadbeefcafe,
		BuffLen:      4096,
	}
	m.BuffMRKeys[0] = 0x1122
	m.BuffMRKeys[1] = 0x3344

	got, err := DecodeCtrlMsg(m.Encode())
	if err != nil {
		t.Fatalf("DecodeCtrlMsg: %v", err)
	}
	if got.RemoteCommID != 42 || got.MsgSeqNum != 513 || got.BuffAddr != 0xdeadbeefcafe || got.BuffLen != 4096 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.BuffMRKeys[0] != 0x1122 || got.BuffMRKeys[1] != 0x3344 {
		t.Fatalf("MR keys mismatch: %+v", got.BuffMRKeys)
	}
}

func TestPeekTypeMatchesEncodedMessages(t *testing.T) {
	t.Parallel()

	m := ConnMsg{Type: MsgConnResp}
	typ, err := PeekType(m.Encode())
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != MsgConnResp {
		t.Fatalf("PeekType() = %v, want MsgConnResp", typ)
	}

	c := CtrlMsg{}
	typ, err = PeekType(c.Encode())
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != MsgCtrl {
		t.Fatalf("PeekType() = %v, want MsgCtrl", typ)
	}
}

func TestImmediateDataPacking(t *testing.T) {
	t.Parallel()

	cases := []struct {
		comm, seq, segs uint32
	}{
		{0, 0, 1},
		{MaxCommID, MaxSeq, MaxSegments},
		{12345, 777, 2},
		{1, 1023, 15},
	}
	for _, c := range cases {
		imm := EncodeImmediate(c.comm, c.seq, c.segs)
		if imm.CommID() != c.comm {
			t.Fatalf("CommID() = %d, want %d (case %+v)", imm.CommID(), c.comm, c)
		}
		if imm.Seq() != c.seq {
			t.Fatalf("Seq() = %d, want %d (case %+v)", imm.Seq(), c.seq, c)
		}
		if imm.Segments() != c.segs {
			t.Fatalf("Segments() = %d, want %d (case %+v)", imm.Segments(), c.segs, c)
		}
	}
}

func TestDecodeConnMsgTooShort(t *testing.T) {
	t.Parallel()

	if _, err := DecodeConnMsg(make([]byte, 4)); err == nil {
		t.Fatalf("DecodeConnMsg() on short buffer succeeded, want error")
	}
}
