package chain

import (
	"math/big"

	"crowdfund/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// eventDecoder 按topic0识别已知事件
type eventDecoder struct {
	events map[common.Hash]abi.Event
}

func newEventDecoder(abis *contractABIs) *eventDecoder {
	d := &eventDecoder{events: make(map[common.Hash]abi.Event)}
	for _, ev := range abis.factory.Events {
		d.events[ev.ID] = ev
	}
	for _, ev := range abis.campaign.Events {
		d.events[ev.ID] = ev
	}
	return d
}

// decode 解码回执中的日志，未知事件忽略
func (d *eventDecoder) decode(logs []*types.Log) []models.ChainEvent {
	out := make([]models.ChainEvent, 0, len(logs))
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) == 0 {
			continue
		}
		ev, ok := d.events[lg.Topics[0]]
		if !ok {
			continue
		}

		decoded := models.ChainEvent{
			Name:     ev.Name,
			Contract: models.NormalizeAddress(lg.Address.Hex()),
		}

		switch ev.Name {
		case models.EventCampaignCreated:
			if len(lg.Topics) < 3 {
				continue
			}
			decoded.Account = topicAddress(lg.Topics[1])
			decoded.Related = topicAddress(lg.Topics[2])
		default:
			if len(lg.Topics) < 2 {
				continue
			}
			decoded.Account = topicAddress(lg.Topics[1])
			values, err := ev.Inputs.Unpack(lg.Data)
			if err != nil || len(values) == 0 {
				continue
			}
			if amount, ok := values[0].(*big.Int); ok {
				decoded.Amount = models.WeiToEther(amount)
			}
		}

		out = append(out, decoded)
	}
	return out
}

func topicAddress(topic common.Hash) string {
	return models.NormalizeAddress(common.BytesToAddress(topic.Bytes()).Hex())
}
