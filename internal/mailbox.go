package internal

// awaitReply 等待 actor 處理完請求後的回覆
//
// 請求已進入 mailbox，actor 一定會回覆或結束，因此不再理會 ctx。
// 回覆與 done 同時就緒時以回覆為準。
func awaitReply[T any](reply chan T, done <-chan struct{}, stopped error) (T, error) {
	select {
	case v := <-reply:
		return v, nil
	case <-done:
		select {
		case v := <-reply:
			return v, nil
		default:
			var zero T
			return zero, stopped
		}
	}
}
