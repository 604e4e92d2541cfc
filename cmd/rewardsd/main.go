package main

import "karmachain/services/rewardsd"

func main() {
	rewardsd.Main()
}
