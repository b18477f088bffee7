package serf

import (
	"encoding/base64"
	"fmt"
)

// keyManager drives the cluster-wide key rotation operations (§4.12):
// every call fans a `_serf_*` internal query out to the whole cluster
// and folds the per-node nodeKeyResponse replies back into one
// aggregate result.
type keyManager struct {
	*Serf
}

// ModifyKeyResponse reports, per node, whether an install/use/remove
// succeeded.
type ModifyKeyResponse struct {
	Messages   map[string]string // node name -> failure detail, if any
	TotalNodes int               // nodes that actually responded
}

// ListKeysResponse aggregates every node's keyring into a count of how
// many nodes have each key installed.
type ListKeysResponse struct {
	Messages   map[string]string
	TotalNodes int

	// Keys maps a base64-encoded key to the number of nodes reporting
	// it as installed.
	Keys map[string]int
}

// KeyManager returns the key-rotation handle for this Serf instance.
func (s *Serf) KeyManager() *keyManager {
	return &keyManager{s}
}

// keyResponses runs a `_serf_*` key-management query to completion,
// decoding every nodeKeyResponse and handing the successful ones to
// onOK (nil is fine if the caller only cares about pass/fail). verb
// names the operation for error messages.
func (k *keyManager) keyResponses(verb, qName string, payload []byte, onOK func(from string, nr nodeKeyResponse)) (*ModifyKeyResponse, int, error) {
	queryResp, err := k.Query(qName, payload, &QueryParam{})
	if err != nil {
		return nil, 0, err
	}

	resp := &ModifyKeyResponse{Messages: make(map[string]string)}
	totalErrors := 0
	for r := range queryResp.respCh {
		resp.TotalNodes++

		var nr nodeKeyResponse
		switch {
		case len(r.Payload) < 1 || messageType(r.Payload[0]) != messageKeyResponseType:
			resp.Messages[r.From] = fmt.Sprintf("invalid %s response type: %v", verb, r.Payload)
			totalErrors++
			continue
		case decodeMessage(r.Payload[1:], &nr) != nil:
			resp.Messages[r.From] = fmt.Sprintf("failed to decode %s response: %v", verb, r.Payload)
			totalErrors++
			continue
		case !nr.Result:
			resp.Messages[r.From] = nr.Message
			totalErrors++
			continue
		}

		if onOK != nil {
			onOK(r.From, nr)
		}
	}
	return resp, totalErrors, nil
}

// settle turns the raw response/error-count pair into the (resp, err)
// shape every exported method returns, checking both that nobody
// reported failure and that every member actually answered.
func (k *keyManager) settle(resp *ModifyKeyResponse, totalErrors int) error {
	totalMembers := k.memberlist.NumMembers()
	if totalErrors != 0 {
		return fmt.Errorf("%d/%d nodes reported failure", totalErrors, totalMembers)
	}
	if resp.TotalNodes != totalMembers {
		return fmt.Errorf("%d/%d nodes reported success", resp.TotalNodes, totalMembers)
	}
	return nil
}

func decodeRawKey(key string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(key)
}

// InstallKey adds key to every reachable node's keyring as a
// secondary key (never primary — see UseKey to promote one).
func (k *keyManager) InstallKey(key string) (*ModifyKeyResponse, error) {
	rawKey, err := decodeRawKey(key)
	if err != nil {
		return nil, err
	}
	resp, totalErrors, err := k.keyResponses("install-key", internalQueryName(installKeyQuery), rawKey, nil)
	if err != nil {
		return nil, err
	}
	return resp, k.settle(resp, totalErrors)
}

// UseKey promotes key to primary on every reachable node. key must
// already be installed everywhere (see InstallKey) or those nodes will
// report failure.
func (k *keyManager) UseKey(key string) (*ModifyKeyResponse, error) {
	rawKey, err := decodeRawKey(key)
	if err != nil {
		return nil, err
	}
	resp, totalErrors, err := k.keyResponses("use-key", internalQueryName(useKeyQuery), rawKey, nil)
	if err != nil {
		return nil, err
	}
	return resp, k.settle(resp, totalErrors)
}

// RemoveKey drops key from every reachable node's keyring. Each node
// refuses (and reports failure) if key is currently its primary.
func (k *keyManager) RemoveKey(key string) (*ModifyKeyResponse, error) {
	rawKey, err := decodeRawKey(key)
	if err != nil {
		return nil, err
	}
	resp, totalErrors, err := k.keyResponses("remove-key", internalQueryName(removeKeyQuery), rawKey, nil)
	if err != nil {
		return nil, err
	}
	return resp, k.settle(resp, totalErrors)
}

// ListKeys aggregates every reachable node's keyring into a count of
// how many nodes have each key installed — useful for spotting a
// rotation that didn't fully propagate.
func (k *keyManager) ListKeys() (*ListKeysResponse, error) {
	keyCounts := make(map[string]int)
	modResp, totalErrors, err := k.keyResponses("list-keys", internalQueryName(listKeysQuery), nil, func(_ string, nr nodeKeyResponse) {
		for _, key := range nr.Keys {
			keyCounts[key]++
		}
	})
	if err != nil {
		return nil, err
	}

	resp := &ListKeysResponse{
		Messages:   modResp.Messages,
		TotalNodes: modResp.TotalNodes,
		Keys:       keyCounts,
	}
	return resp, k.settle(modResp, totalErrors)
}
