package kraken

import "encoding/json"

// apiResponse is the envelope every REST endpoint uses.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type systemStatusResult struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type assetPairResult struct {
	Altname      string      `json:"altname"`
	WSName       string      `json:"wsname"`
	Base         string      `json:"base"`
	Quote        string      `json:"quote"`
	CostDecimals int32       `json:"cost_decimals"`
	PairDecimals int32       `json:"pair_decimals"`
	LotDecimals  int32       `json:"lot_decimals"`
	FeesMaker    [][]float64 `json:"fees_maker"`
}

type balanceEntry struct {
	Balance   string `json:"balance"`
	HoldTrade string `json:"hold_trade"`
}

type orderDescr struct {
	Pair  string `json:"pair"`
	Type  string `json:"type"`
	Price string `json:"price"`
}

type orderInfo struct {
	Userref int64      `json:"userref"`
	Status  string     `json:"status"`
	OpenTm  float64    `json:"opentm"`
	Descr   orderDescr `json:"descr"`
	Vol     string     `json:"vol"`
	VolExec string     `json:"vol_exec"`
}

type openOrdersResult struct {
	Open map[string]orderInfo `json:"open"`
}

type addOrderResult struct {
	TXID []string `json:"txid"`
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
}

type cancelOrderResult struct {
	Count int `json:"count"`
}

type wsTokenResult struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"`
}

// Stream messages (websocket API v2).

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type wsTickerData struct {
	Symbol string      `json:"symbol"`
	Last   json.Number `json:"last"`
}

type wsExecutionData struct {
	OrderID  string `json:"order_id"`
	ExecType string `json:"exec_type"`
}

type wsSubscribeRequest struct {
	Method string             `json:"method"`
	Params wsSubscribeParams  `json:"params"`
}

type wsSubscribeParams struct {
	Channel    string   `json:"channel"`
	Symbol     []string `json:"symbol,omitempty"`
	Token      string   `json:"token,omitempty"`
	SnapOrders *bool    `json:"snap_orders,omitempty"`
	Snapshot   *bool    `json:"snapshot,omitempty"`
}
